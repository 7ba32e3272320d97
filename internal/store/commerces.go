package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/virard/localmarket/internal/database"
	"github.com/virard/localmarket/internal/models"
)

type CreateCommerceRequest struct {
	OwnerID     int64
	Name        string
	Description string
	Latitude    *float64
	Longitude   *float64
}

func CreateCommerce(ctx context.Context, db *sql.DB, req CreateCommerceRequest) (*models.Commerce, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: commerce name is required", database.ErrValidation)
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return nil, fmt.Errorf("%w: latitude and longitude must be provided together", database.ErrValidation)
	}

	owner, err := GetUser(ctx, db, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !owner.IsMerchant() {
		return nil, fmt.Errorf("%w: commerce owner must be a merchant", database.ErrForbidden)
	}

	commerce := &models.Commerce{}

	query := `
		INSERT INTO commerces (owner_id, name, description, latitude, longitude, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING id, owner_id, name, description, latitude, longitude, created_at, updated_at, version`

	var description sql.NullString
	err = db.QueryRowContext(ctx, query,
		req.OwnerID, req.Name, req.Description, req.Latitude, req.Longitude).Scan(
		&commerce.ID,
		&commerce.OwnerID,
		&commerce.Name,
		&description,
		&commerce.Latitude,
		&commerce.Longitude,
		&commerce.CreatedAt,
		&commerce.UpdatedAt,
		&commerce.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create commerce: %w", err)
	}
	commerce.Description = description.String

	return commerce, nil
}

func GetCommerce(ctx context.Context, db *sql.DB, id int64) (*models.Commerce, error) {
	commerce := &models.Commerce{}
	var description sql.NullString

	query := `
		SELECT id, owner_id, name, description, latitude, longitude, created_at, updated_at, version
		FROM commerces
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&commerce.ID,
		&commerce.OwnerID,
		&commerce.Name,
		&description,
		&commerce.Latitude,
		&commerce.Longitude,
		&commerce.CreatedAt,
		&commerce.UpdatedAt,
		&commerce.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCommerceNotFound
		}
		return nil, fmt.Errorf("get commerce: %w", err)
	}
	commerce.Description = description.String

	return commerce, nil
}

func ListCommerces(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commerces`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count commerces: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, owner_id, name, description, latitude, longitude, created_at, updated_at, version
		FROM commerces
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list commerces: %w", err)
	}
	defer rows.Close()

	var commerces []models.Commerce
	for rows.Next() {
		var commerce models.Commerce
		var description sql.NullString
		err := rows.Scan(
			&commerce.ID,
			&commerce.OwnerID,
			&commerce.Name,
			&description,
			&commerce.Latitude,
			&commerce.Longitude,
			&commerce.CreatedAt,
			&commerce.UpdatedAt,
			&commerce.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan commerce: %w", err)
		}
		commerce.Description = description.String
		commerces = append(commerces, commerce)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &OffsetPage{
		Items:      commerces,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}
