package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys on the shared topic exchange.
const (
	EventOrderCreated        = "order.created"
	EventOrderStatusUpdated  = "order.status_updated"
	EventOrderCancelled      = "order.cancelled"
	EventPaymentCreated      = "payment.created"
	EventProductStockChanged = "product.stock_changed"
	EventBackorderFulfilled  = "inventory.backorder_fulfilled"
)

type OrderCreatedEvent struct {
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	Status        string          `json:"status"`
	StatusID      OrderStatus     `json:"status_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	RecipientName string          `json:"recipient_name"`
	PhoneNumber   string          `json:"phone_number"`
	Address       string          `json:"address"`
	Items         []StockItem     `json:"items"`
}

func NewOrderCreatedEvent(order *Order) OrderCreatedEvent {
	items := make([]StockItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, StockItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return OrderCreatedEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Status:        order.Status.String(),
		StatusID:      order.Status,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		RecipientName: order.RecipientName,
		PhoneNumber:   order.PhoneNumber,
		Address:       order.Address,
		Items:         items,
	}
}

// OrderStatusEvent is published as order.status_updated and, for
// cancellations, as order.cancelled.
type OrderStatusEvent struct {
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	OldStatus     string          `json:"old_status"`
	NewStatus     string          `json:"new_status"`
	OldStatusID   OrderStatus     `json:"old_status_id"`
	NewStatusID   OrderStatus     `json:"new_status_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	RecipientName string          `json:"recipient_name"`
	Address       string          `json:"address"`
	Items         []OrderItem     `json:"items"`
}

func NewOrderStatusEvent(order *Order, old OrderStatus) OrderStatusEvent {
	return OrderStatusEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		OldStatus:     old.String(),
		NewStatus:     order.Status.String(),
		OldStatusID:   old,
		NewStatusID:   order.Status,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: order.PaymentMethod,
		RecipientName: order.RecipientName,
		Address:       order.Address,
		Items:         order.Items,
	}
}

type PaymentCreatedEvent struct {
	PaymentID     int64         `json:"payment_id"`
	OrderID       int64         `json:"order_id"`
	Status        PaymentStatus `json:"status"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	CreatedAt     time.Time     `json:"created_at"`
}

type StockChangedEvent struct {
	ProductID int64 `json:"product_id"`
	NewStock  int   `json:"new_stock"`
}

type BackorderFulfilledEvent struct {
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}
