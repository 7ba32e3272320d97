package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleBuyer    = "buyer"
	RoleMerchant = "merchant"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

func (u *User) IsMerchant() bool {
	return u.Role == RoleMerchant
}

// Commerce anchors its products at a single location. Latitude and
// longitude are nil when the commerce has not been geocoded yet; such a
// commerce is excluded from proximity matching.
type Commerce struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

type Product struct {
	ID            int64           `json:"id"`
	CommerceID    int64           `json:"commerce_id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

type Order struct {
	ID              int64           `json:"id"`
	OrderNumber     string          `json:"order_number"`
	BuyerID         int64           `json:"buyer_id"`
	Status          string          `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	DeliveryAddress string          `json:"delivery_address"`
	Phone           string          `json:"phone"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int             `json:"version"`
	Items           []OrderItem     `json:"items,omitempty"`
}

// OrderItem carries the unit price as it was at order time; later product
// price changes never touch existing orders.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProductInterest is a buyer's standing request to hear about a product
// becoming available nearby. EmailSent flips to true at most once, when a
// notification for a matching product is claimed.
type ProductInterest struct {
	ID          int64     `json:"id"`
	BuyerID     int64     `json:"buyer_id"`
	ProductName string    `json:"product_name"`
	Message     string    `json:"message,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	RadiusKm    float64   `json:"radius_km"`
	Fulfilled   bool      `json:"fulfilled"`
	EmailSent   bool      `json:"email_sent"`
	CreatedAt   time.Time `json:"created_at"`
}

// DefaultInterestRadiusKm applies when a buyer registers an interest
// without an explicit search radius.
const DefaultInterestRadiusKm = 25.0
