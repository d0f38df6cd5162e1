package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	OrderStatusProcessing OrderStatus = 3
	OrderStatusShipping   OrderStatus = 4
	OrderStatusDelivered  OrderStatus = 5
	OrderStatusCancelled  OrderStatus = 6
	OrderStatusRefunded   OrderStatus = 7
)

var statusNames = map[OrderStatus]string{
	OrderStatusProcessing: "Processing",
	OrderStatusShipping:   "Shipping",
	OrderStatusDelivered:  "Delivered",
	OrderStatusCancelled:  "Cancelled",
	OrderStatusRefunded:   "Refunded",
}

// OrderStatuses lists every known status in id order.
var OrderStatuses = []OrderStatus{
	OrderStatusProcessing,
	OrderStatusShipping,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusProcessing: {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping:   {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s OrderStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// CheckTransition returns a *ValidationError naming the violated rule when
// an order in status from may not move to status to.
func CheckTransition(from, to OrderStatus) error {
	if !to.Valid() {
		return NewValidationError("status_id", fmt.Sprintf("unknown status %d", int(to)))
	}
	if from.Terminal() {
		return NewValidationError("status_id", fmt.Sprintf("no transitions from terminal status %s", from))
	}
	if to == OrderStatusCancelled && from != OrderStatusProcessing {
		return NewValidationError("status_id", "cancellation is only allowed from Processing")
	}
	if from == OrderStatusDelivered && to != OrderStatusRefunded {
		return NewValidationError("status_id", "Delivered orders may only move to Refunded")
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return nil
		}
	}
	return NewValidationError("status_id", fmt.Sprintf("transition %s -> %s is not allowed", from, to))
}

type PaymentMethod string

const (
	PaymentMethodCash    PaymentMethod = "cash"
	PaymentMethodEWallet PaymentMethod = "ewallet"
	PaymentMethodStripe  PaymentMethod = "stripe"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodEWallet, PaymentMethodStripe:
		return true
	}
	return false
}

// OrderItem is a line item with the product snapshot taken at order time.
type OrderItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url"`
	Quantity  int             `json:"quantity"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Status        OrderStatus     `json:"status_id"`
	StatusName    string          `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	RecipientName string          `json:"recipient_name"`
	PhoneNumber   string          `json:"phone_number"`
	Address       string          `json:"address"`
	Items         []OrderItem     `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderTotal sums price times quantity over items without rounding.
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}
