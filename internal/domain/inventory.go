package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `json:"product_id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Price     decimal.Decimal `json:"price" db:"price"`
	ImageURL  string          `json:"image_url" db:"image_url"`
	Stock     int             `json:"stock" db:"stock"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type StockLevel struct {
	ProductID int64 `json:"product_id" db:"id"`
	Stock     int   `json:"stock" db:"stock"`
}

// StockItem is a quantity of one product requested or returned by an order.
type StockItem struct {
	ProductID int64 `json:"product_id" db:"product_id"`
	Quantity  int   `json:"quantity" db:"quantity"`
}

// Backorder is an order whose stock could not be deducted yet.
type Backorder struct {
	OrderID   int64       `db:"order_id"`
	UserID    int64       `db:"user_id"`
	Items     []StockItem `db:"-"`
	CreatedAt time.Time   `db:"created_at"`
}
