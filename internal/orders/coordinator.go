package orders

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/shopmesh/orderflow/internal/orders Ledger,Publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
)

type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id int64) (*domain.Order, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) (*domain.Order, error)
}

type Ledger interface {
	Debit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type Catalog interface {
	Product(ctx context.Context, productID int64) (*domain.Product, error)
}

type NewOrder struct {
	UserID        int64
	RecipientName string
	PhoneNumber   string
	Address       string
	PaymentMethod domain.PaymentMethod
	Items         []NewOrderItem
}

// NewOrderItem carries an optional price snapshot. Items without one are
// priced from the catalog.
type NewOrderItem struct {
	ProductID int64
	Quantity  int
	Price     *decimal.Decimal
	Name      string
	ImageURL  string
}

type Coordinator struct {
	store     Store
	ledger    Ledger
	publisher Publisher
	catalog   Catalog
	logger    *slog.Logger
}

// NewCoordinator wires the order use cases. catalog may be nil, in which
// case every item must carry its own price.
func NewCoordinator(store Store, ledger Ledger, publisher Publisher, catalog Catalog, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		catalog:   catalog,
		logger:    logger,
	}
}

func (c *Coordinator) CreateOrder(ctx context.Context, req NewOrder) (*domain.Order, error) {
	if err := validateNewOrder(req); err != nil {
		return nil, err
	}

	items, err := c.resolveItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		UserID:        req.UserID,
		Status:        domain.OrderStatusProcessing,
		StatusName:    domain.OrderStatusProcessing.String(),
		TotalAmount:   domain.OrderTotal(items),
		PaymentMethod: req.PaymentMethod,
		RecipientName: strings.TrimSpace(req.RecipientName),
		PhoneNumber:   strings.TrimSpace(req.PhoneNumber),
		Address:       strings.TrimSpace(req.Address),
		Items:         items,
	}

	debited := false
	if order.PaymentMethod == domain.PaymentMethodEWallet {
		if _, err := c.ledger.Debit(ctx, order.UserID, order.TotalAmount); err != nil {
			return nil, fmt.Errorf("debit wallet: %w", err)
		}
		debited = true
	}

	if err := c.store.Create(ctx, order); err != nil {
		if debited {
			c.logger.Error("order not persisted after wallet debit, manual reconciliation required",
				"error", err, "user_id", order.UserID, "amount", order.TotalAmount.StringFixed(domain.MoneyScale))
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}

	if err := c.publisher.Publish(ctx, domain.EventOrderCreated, domain.NewOrderCreatedEvent(order)); err != nil {
		c.logger.Error("failed to publish order created event", "error", err, "order_id", order.ID)
	}

	c.logger.Info("order created", "order_id", order.ID, "user_id", order.UserID,
		"payment_method", string(order.PaymentMethod), "total_amount", order.TotalAmount.StringFixed(domain.MoneyScale))
	return order, nil
}

func validateNewOrder(req NewOrder) error {
	if req.UserID <= 0 {
		return domain.NewValidationError("user_id", "must be a positive integer")
	}
	if strings.TrimSpace(req.RecipientName) == "" {
		return domain.NewValidationError("recipient_name", "is required")
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return domain.NewValidationError("phone_number", "is required")
	}
	if strings.TrimSpace(req.Address) == "" {
		return domain.NewValidationError("address", "is required")
	}
	if !req.PaymentMethod.Valid() {
		return domain.NewValidationError("payment_method", fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	}
	if len(req.Items) == 0 {
		return domain.NewValidationError("items", "must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ProductID <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "must be a positive integer")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
	}
	return nil
}

func (c *Coordinator) resolveItems(ctx context.Context, reqItems []NewOrderItem) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, len(reqItems))
	for i, reqItem := range reqItems {
		item := domain.OrderItem{
			ProductID: reqItem.ProductID,
			Name:      reqItem.Name,
			ImageURL:  reqItem.ImageURL,
			Quantity:  reqItem.Quantity,
		}

		field := fmt.Sprintf("items[%d].price", i)
		if reqItem.Price != nil {
			item.Price = *reqItem.Price
		} else {
			if c.catalog == nil {
				return nil, domain.NewValidationError(field, "is required")
			}
			product, err := c.catalog.Product(ctx, reqItem.ProductID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return nil, domain.NewValidationError(field, fmt.Sprintf("no price for product %d", reqItem.ProductID))
				}
				return nil, fmt.Errorf("resolve price for product %d: %w", reqItem.ProductID, err)
			}
			item.Price = product.Price
			if item.Name == "" {
				item.Name = product.Name
			}
			if item.ImageURL == "" {
				item.ImageURL = product.ImageURL
			}
		}

		if err := domain.ValidateAmount(field, item.Price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateStatus applies a transition allowed by the order state machine and
// announces it. Cancellations are announced twice: as a status update and
// as order.cancelled.
func (c *Coordinator) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) (*domain.Order, error) {
	current, err := c.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := domain.CheckTransition(current.Status, status); err != nil {
		return nil, err
	}

	updated, err := c.store.UpdateStatus(ctx, orderID, current.Status, status)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, domain.NewValidationError("status_id", "status changed concurrently")
		}
		return nil, fmt.Errorf("update order %d status: %w", orderID, err)
	}

	event := domain.NewOrderStatusEvent(updated, current.Status)
	if err := c.publisher.Publish(ctx, domain.EventOrderStatusUpdated, event); err != nil {
		c.logger.Error("failed to publish order status event", "error", err, "order_id", orderID)
	}
	if status == domain.OrderStatusCancelled {
		if err := c.publisher.Publish(ctx, domain.EventOrderCancelled, event); err != nil {
			c.logger.Error("failed to publish order cancelled event", "error", err, "order_id", orderID)
		}
	}

	c.logger.Info("order status updated", "order_id", orderID,
		"old_status", current.Status.String(), "new_status", updated.Status.String())
	return updated, nil
}

func (c *Coordinator) Get(ctx context.Context, orderID int64) (*domain.Order, error) {
	return c.store.GetByID(ctx, orderID)
}

func (c *Coordinator) List(ctx context.Context, userID int64) ([]domain.Order, error) {
	if userID <= 0 {
		return nil, domain.NewValidationError("user_id", "must be a positive integer")
	}
	return c.store.ListByUser(ctx, userID)
}
