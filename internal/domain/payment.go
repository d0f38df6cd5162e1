package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusPaid     PaymentStatus = "Paid"
	PaymentStatusRefunded PaymentStatus = "Refunded"
	PaymentStatusFailed   PaymentStatus = "Failed"

	// PaymentStatusRefunding marks a refund claimed but not yet confirmed.
	PaymentStatusRefunding PaymentStatus = "Refunding"
)

type Payment struct {
	ID           int64           `json:"payment_id"`
	OrderID      int64           `json:"order_id"`
	UserID       int64           `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	Method       PaymentMethod   `json:"payment_method"`
	Status       PaymentStatus   `json:"status"`
	GatewayTxnID string          `json:"gateway_txn_id,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// InitialPaymentStatus is Paid for wallet orders, whose balance was debited
// at checkout, and Pending for everything settled later.
func InitialPaymentStatus(method PaymentMethod) PaymentStatus {
	if method == PaymentMethodEWallet {
		return PaymentStatusPaid
	}
	return PaymentStatusPending
}
