package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/virard/localmarket/internal/database"
	"github.com/virard/localmarket/internal/models"
)

type CreateInterestRequest struct {
	BuyerID     int64
	ProductName string
	Message     string
	Latitude    *float64
	Longitude   *float64
	RadiusKm    float64
}

func CreateInterest(ctx context.Context, db *sql.DB, req CreateInterestRequest) (*models.ProductInterest, error) {
	if req.ProductName == "" {
		return nil, fmt.Errorf("%w: product name is required", database.ErrValidation)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return nil, fmt.Errorf("%w: latitude and longitude are required", database.ErrValidation)
	}

	radius := req.RadiusKm
	if radius <= 0 {
		radius = models.DefaultInterestRadiusKm
	}

	if _, err := GetUser(ctx, db, req.BuyerID); err != nil {
		return nil, err
	}

	interest := &models.ProductInterest{}
	var message sql.NullString

	query := `
		INSERT INTO product_interests (buyer_id, product_name, message, latitude, longitude, radius_km, fulfilled, email_sent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, FALSE, NOW())
		RETURNING id, buyer_id, product_name, message, latitude, longitude, radius_km, fulfilled, email_sent, created_at`

	err := db.QueryRowContext(ctx, query,
		req.BuyerID, req.ProductName, req.Message, *req.Latitude, *req.Longitude, radius).Scan(
		&interest.ID,
		&interest.BuyerID,
		&interest.ProductName,
		&message,
		&interest.Latitude,
		&interest.Longitude,
		&interest.RadiusKm,
		&interest.Fulfilled,
		&interest.EmailSent,
		&interest.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create interest: %w", err)
	}
	interest.Message = message.String

	return interest, nil
}

func GetInterest(ctx context.Context, db *sql.DB, id int64) (*models.ProductInterest, error) {
	interest := &models.ProductInterest{}
	var message sql.NullString

	query := `
		SELECT id, buyer_id, product_name, message, latitude, longitude, radius_km, fulfilled, email_sent, created_at
		FROM product_interests
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&interest.ID,
		&interest.BuyerID,
		&interest.ProductName,
		&message,
		&interest.Latitude,
		&interest.Longitude,
		&interest.RadiusKm,
		&interest.Fulfilled,
		&interest.EmailSent,
		&interest.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrInterestNotFound
		}
		return nil, fmt.Errorf("get interest: %w", err)
	}
	interest.Message = message.String

	return interest, nil
}

func ListInterestsByBuyer(ctx context.Context, db *sql.DB, buyerID int64) ([]models.ProductInterest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, buyer_id, product_name, message, latitude, longitude, radius_km, fulfilled, email_sent, created_at
		FROM product_interests
		WHERE buyer_id = $1
		ORDER BY created_at DESC, id DESC`, buyerID)
	if err != nil {
		return nil, fmt.Errorf("list interests: %w", err)
	}
	defer rows.Close()

	var interests []models.ProductInterest
	for rows.Next() {
		var interest models.ProductInterest
		var message sql.NullString
		err := rows.Scan(
			&interest.ID,
			&interest.BuyerID,
			&interest.ProductName,
			&message,
			&interest.Latitude,
			&interest.Longitude,
			&interest.RadiusKm,
			&interest.Fulfilled,
			&interest.EmailSent,
			&interest.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan interest: %w", err)
		}
		interest.Message = message.String
		interests = append(interests, interest)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return interests, nil
}

// AvailabilityMatch pairs an in-stock product with its commerce and the
// distance from the interested buyer.
type AvailabilityMatch struct {
	Product    models.Product  `json:"product"`
	Commerce   models.Commerce `json:"commerce"`
	DistanceKm float64         `json:"distance_km"`
}

// FindAvailableMatches returns in-stock products whose name contains the
// interest's product name (case-insensitively) and whose commerce lies
// within the interest's search radius. Commerces without coordinates are
// excluded. Results are ordered nearest first, product id breaking ties.
//
// The haversine runs in SQL with the same mean Earth radius as the geo
// package, so filtering and the distances reported to callers agree.
func FindAvailableMatches(ctx context.Context, db *sql.DB, interest *models.ProductInterest) ([]AvailabilityMatch, error) {
	query := `
		SELECT * FROM (
			SELECT
				p.id AS product_id, p.commerce_id, p.sku, p.name AS product_name,
				p.description AS product_description, p.price, p.stock_quantity,
				p.created_at AS product_created_at, p.updated_at AS product_updated_at, p.version AS product_version,
				c.id AS commerce_pk, c.owner_id, c.name AS commerce_name,
				c.description AS commerce_description, c.latitude, c.longitude,
				c.created_at AS commerce_created_at, c.updated_at AS commerce_updated_at, c.version AS commerce_version,
				6371 * 2 * asin(least(1, sqrt(
					power(sin(radians(c.latitude - $2) / 2), 2) +
					cos(radians($2)) * cos(radians(c.latitude)) *
					power(sin(radians(c.longitude - $3) / 2), 2)
				))) AS distance_km
			FROM products p
			JOIN commerces c ON c.id = p.commerce_id
			WHERE p.name ILIKE '%' || $1 || '%'
			  AND p.stock_quantity > 0
			  AND c.latitude IS NOT NULL
			  AND c.longitude IS NOT NULL
		) m
		WHERE m.distance_km <= $4
		ORDER BY m.distance_km ASC, m.product_id ASC`

	rows, err := db.QueryContext(ctx, query,
		interest.ProductName, interest.Latitude, interest.Longitude, interest.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("find available matches: %w", err)
	}
	defer rows.Close()

	var matches []AvailabilityMatch
	for rows.Next() {
		var m AvailabilityMatch
		var productDescription, commerceDescription sql.NullString
		err := rows.Scan(
			&m.Product.ID,
			&m.Product.CommerceID,
			&m.Product.SKU,
			&m.Product.Name,
			&productDescription,
			&m.Product.Price,
			&m.Product.StockQuantity,
			&m.Product.CreatedAt,
			&m.Product.UpdatedAt,
			&m.Product.Version,
			&m.Commerce.ID,
			&m.Commerce.OwnerID,
			&m.Commerce.Name,
			&commerceDescription,
			&m.Commerce.Latitude,
			&m.Commerce.Longitude,
			&m.Commerce.CreatedAt,
			&m.Commerce.UpdatedAt,
			&m.Commerce.Version,
			&m.DistanceKm,
		)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Product.Description = productDescription.String
		m.Commerce.Description = commerceDescription.String
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return matches, nil
}

// InterestMatch pairs an unnotified interest with its distance to the
// product's commerce.
type InterestMatch struct {
	Interest   models.ProductInterest
	DistanceKm float64
}

// FindMatchingInterests is the inverse query: given a product that just
// became available at the given commerce coordinates, it returns every
// interest that has not been notified yet, whose product name is contained
// in the product's name, and whose registered location is within its own
// search radius of the commerce. Already-notified interests are excluded
// regardless of fulfilled.
func FindMatchingInterests(ctx context.Context, q dbtx, productName string, commerceLat, commerceLon float64) ([]InterestMatch, error) {
	query := `
		SELECT * FROM (
			SELECT
				i.id, i.buyer_id, i.product_name, i.message, i.latitude, i.longitude,
				i.radius_km, i.fulfilled, i.email_sent, i.created_at,
				6371 * 2 * asin(least(1, sqrt(
					power(sin(radians(i.latitude - $2) / 2), 2) +
					cos(radians($2)) * cos(radians(i.latitude)) *
					power(sin(radians(i.longitude - $3) / 2), 2)
				))) AS distance_km
			FROM product_interests i
			WHERE i.email_sent = FALSE
			  AND $1 ILIKE '%' || i.product_name || '%'
		) m
		WHERE m.distance_km <= m.radius_km
		ORDER BY m.distance_km ASC, m.id ASC`

	rows, err := q.QueryContext(ctx, query, productName, commerceLat, commerceLon)
	if err != nil {
		return nil, fmt.Errorf("find matching interests: %w", err)
	}
	defer rows.Close()

	var matches []InterestMatch
	for rows.Next() {
		var m InterestMatch
		var message sql.NullString
		err := rows.Scan(
			&m.Interest.ID,
			&m.Interest.BuyerID,
			&m.Interest.ProductName,
			&message,
			&m.Interest.Latitude,
			&m.Interest.Longitude,
			&m.Interest.RadiusKm,
			&m.Interest.Fulfilled,
			&m.Interest.EmailSent,
			&m.Interest.CreatedAt,
			&m.DistanceKm,
		)
		if err != nil {
			return nil, fmt.Errorf("scan interest match: %w", err)
		}
		m.Interest.Message = message.String
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return matches, nil
}

// ClaimInterest flips email_sent from false to true in a single conditional
// update. Exactly one caller can win; a false return means another
// notification already claimed this interest and the caller must not send.
func ClaimInterest(ctx context.Context, q dbtx, interestID int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE product_interests
		 SET email_sent = TRUE
		 WHERE id = $1
		   AND email_sent = FALSE`,
		interestID)
	if err != nil {
		return false, fmt.Errorf("claim interest: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// FulfillInterest records that the interest's need was met. Independent of
// email_sent; fulfilment may lag or precede the notification.
func FulfillInterest(ctx context.Context, db *sql.DB, interestID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE product_interests
		 SET fulfilled = TRUE
		 WHERE id = $1`,
		interestID)
	if err != nil {
		return fmt.Errorf("fulfill interest: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInterestNotFound
	}

	return nil
}
