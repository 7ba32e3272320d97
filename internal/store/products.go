package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/virard/localmarket/internal/database"
	"github.com/virard/localmarket/internal/models"
)

type CreateProductRequest struct {
	CommerceID  int64
	SKU         string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
}

func CreateProduct(ctx context.Context, db *sql.DB, req CreateProductRequest) (*models.Product, error) {
	if req.Name == "" || req.SKU == "" {
		return nil, fmt.Errorf("%w: product sku and name are required", database.ErrValidation)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: product price must not be negative", database.ErrValidation)
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: product stock must not be negative", database.ErrValidation)
	}

	if _, err := GetCommerce(ctx, db, req.CommerceID); err != nil {
		return nil, err
	}

	product := &models.Product{}

	query := `
		INSERT INTO products (commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), 1)
		RETURNING id, commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version`

	var description sql.NullString
	err := db.QueryRowContext(ctx, query,
		req.CommerceID, req.SKU, req.Name, req.Description, req.Price, req.Stock).Scan(
		&product.ID,
		&product.CommerceID,
		&product.SKU,
		&product.Name,
		&description,
		&product.Price,
		&product.StockQuantity,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	product.Description = description.String

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	return scanProduct(db.QueryRowContext(ctx, `
		SELECT id, commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version
		FROM products
		WHERE id = $1`, id))
}

// GetProductForUpdate locks the product row for the remainder of the
// transaction. NOWAIT turns lock contention into ErrLockTimeout so the
// enclosing retry loop can back off instead of queueing.
func GetProductForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	product, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT id, commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version
		FROM products
		WHERE id = $1
		FOR UPDATE NOWAIT`, id))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		return nil, err
	}
	return product, nil
}

func scanProduct(row *sql.Row) (*models.Product, error) {
	product := &models.Product{}
	var description sql.NullString

	err := row.Scan(
		&product.ID,
		&product.CommerceID,
		&product.SKU,
		&product.Name,
		&description,
		&product.Price,
		&product.StockQuantity,
		&product.CreatedAt,
		&product.UpdatedAt,
		&product.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	product.Description = description.String

	return product, nil
}

// ReserveStock decrements the product's stock by quantity, but only when
// enough stock remains. The guard lives in the statement itself; stock can
// never be observed negative, and two racing reservations cannot both pass.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive", database.ErrValidation)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock_quantity >= $1`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)",
			productID).Scan(&exists); err != nil {
			return fmt.Errorf("check product exists: %w", err)
		}
		if !exists {
			return database.ErrProductNotFound
		}
		return database.ErrInsufficientStock
	}

	return nil
}

// ReleaseStock returns quantity units to the product's stock. Used when a
// cancellation restocks an order's lines; no upper bound is enforced.
func ReleaseStock(ctx context.Context, tx *sql.Tx, productID int64, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: release quantity must be positive", database.ErrValidation)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// Restock adds quantity units on behalf of the owning merchant and reports
// whether the product just came back into stock (was 0, now above 0), which
// is the trigger for availability notifications.
func Restock(ctx context.Context, db *sql.DB, productID, merchantID int64, quantity int) (*models.Product, bool, error) {
	if quantity <= 0 {
		return nil, false, fmt.Errorf("%w: restock quantity must be positive", database.ErrValidation)
	}

	var product *models.Product
	var becameAvailable bool

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		locked, err := GetProductForUpdate(ctx, tx, productID)
		if err != nil {
			return err
		}

		var ownerID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT owner_id FROM commerces WHERE id = $1",
			locked.CommerceID).Scan(&ownerID); err != nil {
			return fmt.Errorf("get commerce owner: %w", err)
		}
		if ownerID != merchantID {
			return database.ErrForbidden
		}

		becameAvailable = locked.StockQuantity == 0

		if err := ReleaseStock(ctx, tx, productID, quantity); err != nil {
			return err
		}

		locked.StockQuantity += quantity
		locked.Version++
		product = locked
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return product, becameAvailable, nil
}

type UpdateProductRequest struct {
	Name        string
	Description string
	Price       decimal.Decimal
}

// UpdateProduct edits the merchant-facing fields. Stock is deliberately not
// part of the request; it only moves through reserve/release/restock.
func UpdateProduct(ctx context.Context, db *sql.DB, id int64, req UpdateProductRequest) (*models.Product, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", database.ErrValidation)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: product price must not be negative", database.ErrValidation)
	}

	product, err := scanProduct(db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $1, description = $2, price = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4
		RETURNING id, commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version`,
		req.Name, req.Description, req.Price, id))
	if err != nil {
		return nil, err
	}

	return product, nil
}

func ListProductsByCommerce(ctx context.Context, db *sql.DB, commerceID int64, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE commerce_id = $1`, commerceID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, commerce_id, sku, name, description, price, stock_quantity, created_at, updated_at, version
		FROM products
		WHERE commerce_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, commerceID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var product models.Product
		var description sql.NullString
		err := rows.Scan(
			&product.ID,
			&product.CommerceID,
			&product.SKU,
			&product.Name,
			&description,
			&product.Price,
			&product.StockQuantity,
			&product.CreatedAt,
			&product.UpdatedAt,
			&product.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		product.Description = description.String
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &OffsetPage{
		Items:      products,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}
