package integration

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/virard/localmarket/internal/models"
	"github.com/virard/localmarket/internal/store"
)

func createTestUser(t *testing.T, db *sql.DB, email, role string) *models.User {
	t.Helper()

	user, err := store.CreateUser(context.Background(), db, email, "Test "+role, role)
	if err != nil {
		t.Fatalf("Create %s %s: %v", role, email, err)
	}
	return user
}

func createTestCommerce(t *testing.T, db *sql.DB, ownerID int64, name string, lat, lon *float64) *models.Commerce {
	t.Helper()

	commerce, err := store.CreateCommerce(context.Background(), db, store.CreateCommerceRequest{
		OwnerID:   ownerID,
		Name:      name,
		Latitude:  lat,
		Longitude: lon,
	})
	if err != nil {
		t.Fatalf("Create commerce %s: %v", name, err)
	}
	return commerce
}

func createTestProduct(t *testing.T, db *sql.DB, commerceID int64, sku, name string, price int64, stock int) *models.Product {
	t.Helper()

	product, err := store.CreateProduct(context.Background(), db, store.CreateProductRequest{
		CommerceID: commerceID,
		SKU:        sku,
		Name:       name,
		Price:      decimal.NewFromInt(price),
		Stock:      stock,
	})
	if err != nil {
		t.Fatalf("Create product %s: %v", sku, err)
	}
	return product
}

func ptr(v float64) *float64 {
	return &v
}

// recordingMailer captures sent notices; safe for concurrent use.
type recordingMailer struct {
	mu    sync.Mutex
	sent  []sentNotice
	fails map[int64]error
}

type sentNotice struct {
	interestID int64
	productID  int64
	distanceKm float64
}

func (m *recordingMailer) SendAvailability(_ context.Context, interest *models.ProductInterest, product *models.Product, _ *models.Commerce, distanceKm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fails[interest.ID]; err != nil {
		return err
	}

	m.sent = append(m.sent, sentNotice{
		interestID: interest.ID,
		productID:  product.ID,
		distanceKm: distanceKm,
	})
	return nil
}

func (m *recordingMailer) notices() []sentNotice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]sentNotice, len(m.sent))
	copy(out, m.sent)
	return out
}
