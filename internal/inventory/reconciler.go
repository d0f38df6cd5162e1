package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/messaging"
)

type Store interface {
	Deduct(ctx context.Context, orderID int64, items []domain.StockItem) (bool, error)
	Restore(ctx context.Context, orderID int64, items []domain.StockItem) ([]domain.StockLevel, bool, error)
	SaveBackorder(ctx context.Context, backorder domain.Backorder) error
	DropBackorder(ctx context.Context, orderID int64) (bool, error)
	BackordersFor(ctx context.Context, productID int64) ([]domain.Backorder, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Bindings are the routing keys the reconciler's queue listens on.
var Bindings = []string{
	domain.EventOrderCreated,
	domain.EventOrderCancelled,
	domain.EventProductStockChanged,
}

// Reconciler keeps product stock in line with the order lifecycle.
type Reconciler struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

func NewReconciler(store Store, publisher Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

func (r *Reconciler) Handle(ctx context.Context, msg messaging.Message) error {
	switch msg.RoutingKey {
	case domain.EventOrderCreated:
		return r.handleOrderCreated(ctx, msg.Body)
	case domain.EventOrderCancelled:
		return r.handleOrderCancelled(ctx, msg.Body)
	case domain.EventProductStockChanged:
		return r.handleStockChanged(ctx, msg.Body)
	default:
		r.logger.Warn("ignoring unexpected routing key", "routing_key", msg.RoutingKey)
		return nil
	}
}

func (r *Reconciler) handleOrderCreated(ctx context.Context, body []byte) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return messaging.Reject(fmt.Errorf("decode order.created: %w", err))
	}
	if err := validateOrderRef(event.OrderID, event.UserID, event.Items); err != nil {
		return messaging.Reject(err)
	}

	applied, err := r.store.Deduct(ctx, event.OrderID, event.Items)
	switch {
	case err == nil && !applied:
		r.logger.Info("duplicate order.created, stock already deducted", "order_id", event.OrderID)
		return nil
	case err == nil:
		r.logger.Info("stock deducted", "order_id", event.OrderID, "items", len(event.Items))
		return nil
	case errors.Is(err, domain.ErrInsufficientStock):
		backorder := domain.Backorder{OrderID: event.OrderID, UserID: event.UserID, Items: event.Items}
		if saveErr := r.store.SaveBackorder(ctx, backorder); saveErr != nil {
			return fmt.Errorf("save backorder for order %d: %w", event.OrderID, saveErr)
		}
		r.logger.Warn("insufficient stock, order waiting on replenishment", "order_id", event.OrderID, "error", err)
		return messaging.Reject(err)
	case errors.Is(err, domain.ErrNotFound):
		return messaging.Reject(err)
	default:
		return fmt.Errorf("deduct stock for order %d: %w", event.OrderID, err)
	}
}

func (r *Reconciler) handleOrderCancelled(ctx context.Context, body []byte) error {
	var event domain.OrderStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return messaging.Reject(fmt.Errorf("decode order.cancelled: %w", err))
	}

	items := make([]domain.StockItem, 0, len(event.Items))
	for _, item := range event.Items {
		items = append(items, domain.StockItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if err := validateOrderRef(event.OrderID, event.UserID, items); err != nil {
		return messaging.Reject(err)
	}

	dropped, err := r.store.DropBackorder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("drop backorder for order %d: %w", event.OrderID, err)
	}
	if dropped {
		r.logger.Info("cancelled order was waiting on stock, backorder dropped", "order_id", event.OrderID)
		return nil
	}

	levels, restored, err := r.store.Restore(ctx, event.OrderID, items)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return messaging.Reject(err)
		}
		return fmt.Errorf("restore stock for order %d: %w", event.OrderID, err)
	}
	if !restored {
		r.logger.Info("duplicate order.cancelled, stock already restored", "order_id", event.OrderID)
		return nil
	}

	for _, level := range levels {
		changed := domain.StockChangedEvent{ProductID: level.ProductID, NewStock: level.Stock}
		if err := r.publisher.Publish(ctx, domain.EventProductStockChanged, changed); err != nil {
			r.logger.Error("failed to publish stock changed event", "error", err, "product_id", level.ProductID)
		}
	}

	r.logger.Info("stock restored", "order_id", event.OrderID, "products", len(levels))
	return nil
}

func (r *Reconciler) handleStockChanged(ctx context.Context, body []byte) error {
	var event domain.StockChangedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return messaging.Reject(fmt.Errorf("decode product.stock_changed: %w", err))
	}
	if event.ProductID <= 0 {
		return messaging.Reject(domain.NewValidationError("product_id", "must be a positive integer"))
	}

	backorders, err := r.store.BackordersFor(ctx, event.ProductID)
	if err != nil {
		return fmt.Errorf("load backorders for product %d: %w", event.ProductID, err)
	}

	fulfilled := 0
	for _, bo := range backorders {
		applied, err := r.store.Deduct(ctx, bo.OrderID, bo.Items)
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			continue
		case errors.Is(err, domain.ErrNotFound):
			r.logger.Warn("backorder references unknown product", "order_id", bo.OrderID, "error", err)
			continue
		case err != nil:
			return fmt.Errorf("fulfil backorder %d: %w", bo.OrderID, err)
		case !applied:
			continue
		}

		fulfilled++
		done := domain.BackorderFulfilledEvent{OrderID: bo.OrderID, UserID: bo.UserID}
		if err := r.publisher.Publish(ctx, domain.EventBackorderFulfilled, done); err != nil {
			r.logger.Error("failed to publish backorder fulfilled event", "error", err, "order_id", bo.OrderID)
		}
	}

	if len(backorders) > 0 {
		r.logger.Info("backorders scanned", "product_id", event.ProductID,
			"waiting", len(backorders), "fulfilled", fulfilled)
	}
	return nil
}

func validateOrderRef(orderID, userID int64, items []domain.StockItem) error {
	if orderID <= 0 {
		return domain.NewValidationError("order_id", "is required")
	}
	if userID <= 0 {
		return domain.NewValidationError("user_id", "is required")
	}
	if len(items) == 0 {
		return domain.NewValidationError("items", "must contain at least one item")
	}
	for i, item := range items {
		if item.ProductID <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if item.Quantity <= 0 {
			return domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
	}
	return nil
}
