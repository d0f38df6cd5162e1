package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/messaging"
)

type Store interface {
	Create(ctx context.Context, p *domain.Payment) (bool, error)
	Upsert(ctx context.Context, p *domain.Payment) (bool, error)
	GetByOrder(ctx context.Context, orderID int64) (*domain.Payment, error)
	ClaimRefund(ctx context.Context, orderID int64) (*domain.Payment, error)
	ReleaseRefund(ctx context.Context, orderID int64) error
	MarkRefunded(ctx context.Context, orderID int64) (*domain.Payment, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Notifier reads and moves order status in the orders service.
type Notifier interface {
	Status(ctx context.Context, orderID int64) (domain.OrderStatus, error)
	Notify(ctx context.Context, orderID int64, status domain.OrderStatus) error
}

// Gateway is the card payment provider.
type Gateway interface {
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// Refund reverses a charge and returns the gateway refund id.
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error)
}

type Wallet interface {
	CreditOnce(ctx context.Context, userID int64, amount decimal.Decimal, key string) (decimal.Decimal, error)
}

type CheckoutRequest struct {
	OrderID        int64
	UserID         int64
	Amount         decimal.Decimal
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"checkout_url"`
}

// Bindings are the routing keys the settlement queue listens on.
var Bindings = []string{domain.EventOrderCreated}

// GatewayOutcome is a verified payment result reported by the gateway.
type GatewayOutcome struct {
	OrderID      int64
	UserID       int64
	Amount       decimal.Decimal
	Status       domain.PaymentStatus
	GatewayTxnID string
}

type Settlement struct {
	store     Store
	publisher Publisher
	notifier  Notifier
	gateway   Gateway
	wallet    Wallet
	logger    *slog.Logger
	now       func() time.Time
}

func NewSettlement(store Store, publisher Publisher, notifier Notifier, gateway Gateway, wallet Wallet, logger *slog.Logger) *Settlement {
	return &Settlement{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		gateway:   gateway,
		wallet:    wallet,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Settlement) Handle(ctx context.Context, msg messaging.Message) error {
	if msg.RoutingKey != domain.EventOrderCreated {
		s.logger.Warn("ignoring unexpected routing key", "routing_key", msg.RoutingKey)
		return nil
	}

	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		return messaging.Reject(fmt.Errorf("decode order.created: %w", err))
	}
	return s.CreateForOrder(ctx, event)
}

// CreateForOrder records the payment for a newly created order. A second
// delivery for the same order is a no-op.
func (s *Settlement) CreateForOrder(ctx context.Context, event domain.OrderCreatedEvent) error {
	if err := validateOrderCreated(event); err != nil {
		return messaging.Reject(err)
	}

	payment := &domain.Payment{
		OrderID: event.OrderID,
		UserID:  event.UserID,
		Amount:  event.TotalAmount,
		Method:  event.PaymentMethod,
		Status:  domain.InitialPaymentStatus(event.PaymentMethod),
	}
	if payment.Status == domain.PaymentStatusPaid {
		settled := s.now()
		payment.SettledAt = &settled
	}

	created, err := s.store.Create(ctx, payment)
	if err != nil {
		return fmt.Errorf("create payment for order %d: %w", event.OrderID, err)
	}
	if !created {
		s.logger.Info("payment already exists, skipping", "order_id", event.OrderID)
		return nil
	}

	s.logger.Info("payment created",
		"order_id", payment.OrderID,
		"payment_id", payment.ID,
		"status", payment.Status,
		"payment_method", payment.Method,
	)

	err = s.publisher.Publish(ctx, domain.EventPaymentCreated, domain.PaymentCreatedEvent{
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		Status:        payment.Status,
		PaymentMethod: payment.Method,
		CreatedAt:     payment.CreatedAt,
	})
	if err != nil {
		s.logger.Error("failed to publish payment.created", "order_id", payment.OrderID, "error", err)
	}
	return nil
}

func validateOrderCreated(event domain.OrderCreatedEvent) error {
	switch {
	case event.OrderID <= 0:
		return domain.NewValidationError("order_id", "required")
	case event.UserID <= 0:
		return domain.NewValidationError("user_id", "required")
	case !event.PaymentMethod.Valid():
		return domain.NewValidationError("payment_method", "must be one of cash, ewallet, stripe")
	case !event.TotalAmount.IsPositive():
		return domain.NewValidationError("total_amount", "must be positive")
	}
	return nil
}

// ApplyGatewayOutcome stores a verified gateway result and moves the order
// along. A failure never overrides a captured payment, and a refunded or
// refunding payment keeps its status; such outcomes leave the order alone.
// A transition the orders service refuses is logged and dropped.
func (s *Settlement) ApplyGatewayOutcome(ctx context.Context, outcome GatewayOutcome) error {
	if outcome.OrderID <= 0 {
		return domain.NewValidationError("metadata.order_id", "required")
	}
	if outcome.UserID <= 0 {
		return domain.NewValidationError("metadata.user_id", "required")
	}

	payment := &domain.Payment{
		OrderID:      outcome.OrderID,
		UserID:       outcome.UserID,
		Amount:       outcome.Amount,
		Method:       domain.PaymentMethodStripe,
		Status:       outcome.Status,
		GatewayTxnID: outcome.GatewayTxnID,
	}
	if outcome.Status == domain.PaymentStatusPaid {
		settled := s.now()
		payment.SettledAt = &settled
	}
	applied, err := s.store.Upsert(ctx, payment)
	if err != nil {
		return fmt.Errorf("record gateway outcome for order %d: %w", outcome.OrderID, err)
	}
	if !applied {
		s.logger.Warn("gateway outcome superseded by payment status",
			"order_id", outcome.OrderID, "outcome", outcome.Status, "gateway_txn_id", outcome.GatewayTxnID)
		return nil
	}

	target := domain.OrderStatusProcessing
	if outcome.Status != domain.PaymentStatusPaid {
		target = domain.OrderStatusCancelled
	}
	return s.notify(ctx, outcome.OrderID, target)
}

func (s *Settlement) notify(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	err := s.notifier.Notify(ctx, orderID, status)
	switch {
	case err == nil:
		s.logger.Info("order status updated", "order_id", orderID, "status", status.String())
		return nil
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		s.logger.Warn("order refused status update", "order_id", orderID, "status", status.String(), "error", err)
		return nil
	default:
		return fmt.Errorf("notify order %d: %w", orderID, err)
	}
}

func (s *Settlement) Get(ctx context.Context, orderID int64) (*domain.Payment, error) {
	if orderID <= 0 {
		return nil, domain.NewValidationError("order_id", "must be positive")
	}
	return s.store.GetByOrder(ctx, orderID)
}

// Checkout opens a gateway payment page for a Pending card payment owned
// by userID.
func (s *Settlement) Checkout(ctx context.Context, orderID, userID int64) (*CheckoutSession, error) {
	payment, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, domain.ErrNotFound)
	}
	if payment.Method != domain.PaymentMethodStripe {
		return nil, domain.NewValidationError("payment_method", "checkout is only available for stripe payments")
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, domain.NewValidationError("status", fmt.Sprintf("cannot check out a %s payment", payment.Status))
	}

	session, err := s.gateway.Checkout(ctx, CheckoutRequest{
		OrderID:        payment.OrderID,
		UserID:         payment.UserID,
		Amount:         payment.Amount,
		IdempotencyKey: fmt.Sprintf("checkout-order-%d", orderID),
	})
	if err != nil {
		return nil, fmt.Errorf("checkout order %d: %w", orderID, err)
	}

	s.logger.Info("checkout session created", "order_id", orderID, "session_id", session.ID)
	return session, nil
}

// Refund returns the money for a Paid payment of a Delivered order through
// its original method and marks the order Refunded. The payment is claimed
// before any money moves, so concurrent requests refund at most once.
func (s *Settlement) Refund(ctx context.Context, orderID int64) (*domain.Payment, error) {
	payment, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusPaid {
		return nil, domain.NewValidationError("status", fmt.Sprintf("cannot refund a %s payment", payment.Status))
	}

	orderStatus, err := s.notifier.Status(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", orderID, err)
	}
	if orderStatus != domain.OrderStatusDelivered {
		return nil, domain.NewValidationError("status", fmt.Sprintf("only Delivered orders can be refunded, order is %s", orderStatus))
	}

	claimed, err := s.store.ClaimRefund(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := s.returnFunds(ctx, claimed); err != nil {
		if releaseErr := s.store.ReleaseRefund(ctx, orderID); releaseErr != nil {
			s.logger.Error("refund failed and payment left refunding, needs reconciliation",
				"order_id", orderID, "error", err, "release_error", releaseErr)
		}
		return nil, fmt.Errorf("refund order %d: %w", orderID, err)
	}

	refunded, err := s.store.MarkRefunded(ctx, orderID)
	if err != nil {
		s.logger.Error("refund issued but payment not marked refunded, needs reconciliation", "order_id", orderID, "error", err)
		return nil, err
	}

	if err := s.notify(ctx, orderID, domain.OrderStatusRefunded); err != nil {
		s.logger.Error("payment refunded but order not updated", "order_id", orderID, "error", err)
	}
	return refunded, nil
}

func (s *Settlement) returnFunds(ctx context.Context, payment *domain.Payment) error {
	key := fmt.Sprintf("refund-order-%d", payment.OrderID)

	switch payment.Method {
	case domain.PaymentMethodStripe:
		refundID, err := s.gateway.Refund(ctx, payment.GatewayTxnID, key)
		if err != nil {
			return err
		}
		s.logger.Info("gateway refund issued", "order_id", payment.OrderID, "refund_id", refundID)
	case domain.PaymentMethodEWallet:
		balance, err := s.wallet.CreditOnce(ctx, payment.UserID, payment.Amount, key)
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		s.logger.Info("wallet credited", "order_id", payment.OrderID, "user_id", payment.UserID, "balance", balance.StringFixed(2))
	}
	return nil
}
