package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/virard/localmarket/internal/database"
	"github.com/virard/localmarket/internal/models"
)

type CreateOrderRequest struct {
	BuyerID         int64
	Items           []OrderItemRequest
	DeliveryAddress string
	Phone           string
	Notes           string
}

type OrderItemRequest struct {
	ProductID int64
	Quantity  int
	Discount  decimal.Decimal
}

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

func validateCreateOrder(req CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", database.ErrValidation)
	}
	if req.DeliveryAddress == "" {
		return fmt.Errorf("%w: delivery address is required", database.ErrValidation)
	}
	if req.Phone == "" {
		return fmt.Errorf("%w: phone is required", database.ErrValidation)
	}
	one := decimal.NewFromInt(1)
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item quantity must be positive", database.ErrValidation)
		}
		if item.Discount.IsNegative() || item.Discount.GreaterThanOrEqual(one) {
			return fmt.Errorf("%w: item discount must be in [0, 1)", database.ErrValidation)
		}
	}
	return nil
}

// CreateOrder places an order as one atomic unit: every line's stock is
// reserved against the locked product rows, unit prices are snapshotted,
// and the order plus its items are inserted together. Any failure rolls
// the whole attempt back, so a rejected order leaves stock untouched.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		if _, err := getUser(ctx, tx, req.BuyerID); err != nil {
			return err
		}

		// Lock product rows in ascending id order so concurrent orders
		// over overlapping products cannot deadlock each other.
		lockOrder := make([]int64, 0, len(req.Items))
		seen := make(map[int64]bool, len(req.Items))
		for _, item := range req.Items {
			if !seen[item.ProductID] {
				seen[item.ProductID] = true
				lockOrder = append(lockOrder, item.ProductID)
			}
		}
		sort.Slice(lockOrder, func(i, j int) bool { return lockOrder[i] < lockOrder[j] })

		products := make(map[int64]*models.Product, len(lockOrder))
		for _, productID := range lockOrder {
			product, err := GetProductForUpdate(ctx, tx, productID)
			if err != nil {
				if errors.Is(err, database.ErrProductNotFound) {
					return fmt.Errorf("%w: product %d", database.ErrProductNotFound, productID)
				}
				return err
			}
			products[productID] = product
		}

		one := decimal.NewFromInt(1)
		total := decimal.Zero
		subtotals := make([]decimal.Decimal, len(req.Items))
		for i, item := range req.Items {
			product := products[item.ProductID]

			if err := ReserveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				if errors.Is(err, database.ErrInsufficientStock) {
					return fmt.Errorf("%w: %s", database.ErrInsufficientStock, product.Name)
				}
				return err
			}

			subtotal := product.Price.
				Mul(decimal.NewFromInt(int64(item.Quantity))).
				Mul(one.Sub(item.Discount)).
				Round(2)
			subtotals[i] = subtotal
			total = total.Add(subtotal)
		}

		var orderID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (order_number, buyer_id, status, total_amount, delivery_address, phone, notes, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
			 RETURNING id`,
			generateOrderNumber(), req.BuyerID, models.OrderStatusPending, total,
			req.DeliveryAddress, req.Phone, req.Notes).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i, item := range req.Items {
			product := products[item.ProductID]
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, unit_price, discount, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				orderID, item.ProductID, item.Quantity, product.Price, item.Discount, subtotals[i])
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		created, err := getOrderWithItems(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// CancelOrder cancels the requester's own order, restocking every line in
// the same transaction that flips the status. A failure anywhere aborts the
// cancellation and leaves the order in its prior state.
func CancelOrder(ctx context.Context, db *sql.DB, orderID, requesterID int64) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		locked, err := getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if locked.BuyerID != requesterID {
			return fmt.Errorf("%w: only the buyer may cancel this order", database.ErrForbidden)
		}

		if !models.CanTransitionOrder(locked.Status, models.OrderStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", database.ErrInvalidStateTransition,
				locked.Status, models.OrderStatusCancelled)
		}

		if err := restockOrderItems(ctx, tx, orderID); err != nil {
			return err
		}

		if err := setOrderStatus(ctx, tx, orderID, models.OrderStatusCancelled); err != nil {
			return err
		}

		cancelled, err := getOrderWithItems(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order = cancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// TransitionOrderStatus moves an order along its lifecycle. Merchants drive
// the forward states, the buyer may cancel while cancellation is still
// allowed; authorization is checked before state validity so a disallowed
// actor never learns whether the transition itself was legal.
func TransitionOrderStatus(ctx context.Context, db *sql.DB, orderID, actorID int64, newStatus string) (*models.Order, error) {
	if !models.IsValidOrderStatus(newStatus) {
		return nil, fmt.Errorf("%w: unknown order status %q", database.ErrValidation, newStatus)
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		locked, err := getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		actor, err := getUser(ctx, tx, actorID)
		if err != nil {
			return err
		}

		switch {
		case newStatus == models.OrderStatusCancelled:
			if actor.ID != locked.BuyerID {
				return fmt.Errorf("%w: only the buyer may cancel this order", database.ErrForbidden)
			}
		case models.IsForwardOrderStatus(newStatus):
			if !actor.IsMerchant() {
				return fmt.Errorf("%w: only a merchant may advance an order", database.ErrForbidden)
			}
		default:
			return fmt.Errorf("%w: no actor may set status %q", database.ErrForbidden, newStatus)
		}

		if !models.CanTransitionOrder(locked.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", database.ErrInvalidStateTransition,
				locked.Status, newStatus)
		}

		if newStatus == models.OrderStatusCancelled {
			if err := restockOrderItems(ctx, tx, orderID); err != nil {
				return err
			}
		}

		if err := setOrderStatus(ctx, tx, orderID, newStatus); err != nil {
			return err
		}

		updated, err := getOrderWithItems(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order, err := scanOrder(db.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	items, err := listOrderItems(ctx, db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

const orderSelect = `
	SELECT id, order_number, buyer_id, status, total_amount, delivery_address, phone, notes, created_at, updated_at, version
	FROM orders`

func getOrderForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func getOrderWithItems(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, orderSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	items, err := listOrderItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	var notes sql.NullString

	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.BuyerID,
		&order.Status,
		&order.TotalAmount,
		&order.DeliveryAddress,
		&order.Phone,
		&notes,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	order.Notes = notes.String

	return order, nil
}

func listOrderItems(ctx context.Context, q dbtx, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, discount, subtotal, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.UnitPrice,
			&item.Discount,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func restockOrderItems(ctx context.Context, tx *sql.Tx, orderID int64) error {
	items, err := listOrderItems(ctx, tx, orderID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := ReleaseStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}

	return nil
}

func setOrderStatus(ctx context.Context, tx *sql.Tx, orderID int64, status string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}

	return nil
}

func ListOrdersCursor(ctx context.Context, db *sql.DB, buyerID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := orderSelect + `
		WHERE buyer_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, buyerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		var notes sql.NullString
		err := rows.Scan(
			&order.ID,
			&order.OrderNumber,
			&order.BuyerID,
			&order.Status,
			&order.TotalAmount,
			&order.DeliveryAddress,
			&order.Phone,
			&notes,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order.Notes = notes.String
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
