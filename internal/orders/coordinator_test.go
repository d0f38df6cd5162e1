package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/orders/mocks"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[int64]domain.Order
	createErr error
	conflict  bool
}

func newMemStore() *memStore {
	return &memStore{orders: map[int64]domain.Order{}}
}

func (s *memStore) Create(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	order.ID = s.nextID
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = *order
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
	}
	return &order, nil
}

func (s *memStore) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Order{}
	for _, order := range s.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok || s.conflict || order.Status != from {
		return nil, ErrStatusConflict
	}
	order.Status = to
	order.StatusName = to.String()
	s.orders[id] = order
	return &order, nil
}

func (s *memStore) put(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	if order.ID > s.nextID {
		s.nextID = order.ID
	}
}

type fakeCatalog struct {
	products map[int64]domain.Product
	err      error
	lookups  int
}

func (c *fakeCatalog) Product(ctx context.Context, productID int64) (*domain.Product, error) {
	c.lookups++
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

type decimalMatcher struct {
	want decimal.Decimal
}

func decimalEq(s string) gomock.Matcher {
	return decimalMatcher{want: decimal.RequireFromString(s)}
}

func (m decimalMatcher) Matches(x interface{}) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(m.want)
}

func (m decimalMatcher) String() string {
	return "is decimal " + m.want.String()
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validOrder(method domain.PaymentMethod) NewOrder {
	return NewOrder{
		UserID:        42,
		RecipientName: "Ana",
		PhoneNumber:   "+15550100",
		Address:       "1 Main St",
		PaymentMethod: method,
		Items: []NewOrderItem{
			{ProductID: 1, Quantity: 2, Price: price("50.00"), Name: "Mug"},
			{ProductID: 2, Quantity: 1, Price: price("100.00"), Name: "Lamp"},
		},
	}
}

type coordinatorDeps struct {
	store     *memStore
	ledger    *mocks.MockLedger
	publisher *mocks.MockPublisher
	catalog   *fakeCatalog
}

func newTestCoordinator(t *testing.T) (*Coordinator, coordinatorDeps) {
	ctl := gomock.NewController(t)
	deps := coordinatorDeps{
		store:     newMemStore(),
		ledger:    mocks.NewMockLedger(ctl),
		publisher: mocks.NewMockPublisher(ctl),
		catalog:   &fakeCatalog{products: map[int64]domain.Product{}},
	}
	return NewCoordinator(deps.store, deps.ledger, deps.publisher, deps.catalog, testLogger()), deps
}

func TestCoordinator_CreateOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("wallet order debits the exact total and publishes order.created", func(t *testing.T) {
		c, deps := newTestCoordinator(t)

		deps.ledger.EXPECT().Debit(gomock.Any(), int64(42), decimalEq("200")).Return(decimal.RequireFromString("300"), nil)

		var published domain.OrderCreatedEvent
		deps.publisher.EXPECT().Publish(gomock.Any(), domain.EventOrderCreated, gomock.Any()).
			DoAndReturn(func(ctx context.Context, key string, event interface{}) error {
				published = event.(domain.OrderCreatedEvent)
				return nil
			})

		order, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodEWallet))
		require.NoError(t, err)

		require.Equal(t, domain.OrderStatusProcessing, order.Status)
		require.Equal(t, "Processing", order.StatusName)
		require.True(t, decimal.RequireFromString("200").Equal(order.TotalAmount))
		require.NotZero(t, order.ID)

		stored, err := deps.store.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.Len(t, stored.Items, 2)

		require.Equal(t, order.ID, published.OrderID)
		require.Equal(t, int64(42), published.UserID)
		require.Equal(t, domain.PaymentMethodEWallet, published.PaymentMethod)
		require.True(t, decimal.RequireFromString("200").Equal(published.TotalAmount))
		require.Equal(t, []domain.StockItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}, published.Items)
	})

	t.Run("insufficient funds leaves no order and no event", func(t *testing.T) {
		c, deps := newTestCoordinator(t)

		deps.ledger.EXPECT().Debit(gomock.Any(), int64(42), decimalEq("200")).
			Return(decimal.Zero, fmt.Errorf("ledger debit: %w", domain.ErrInsufficientFunds))

		order, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodEWallet))
		require.Nil(t, order)
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)

		list, err := deps.store.ListByUser(ctx, 42)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("unreachable ledger aborts the order", func(t *testing.T) {
		c, deps := newTestCoordinator(t)

		deps.ledger.EXPECT().Debit(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(decimal.Zero, fmt.Errorf("ledger: %w", domain.ErrUnavailable))

		_, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodEWallet))
		require.ErrorIs(t, err, domain.ErrUnavailable)
		require.Empty(t, deps.store.orders)
	})

	t.Run("cash order never touches the ledger", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.publisher.EXPECT().Publish(gomock.Any(), domain.EventOrderCreated, gomock.Any()).Return(nil)

		order, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodCash))
		require.NoError(t, err)
		require.Equal(t, domain.PaymentMethodCash, order.PaymentMethod)
	})

	t.Run("fractional prices sum exactly", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

		req := validOrder(domain.PaymentMethodStripe)
		req.Items = []NewOrderItem{
			{ProductID: 1, Quantity: 3, Price: price("19.99")},
			{ProductID: 2, Quantity: 1, Price: price("0.30")},
		}

		order, err := c.CreateOrder(ctx, req)
		require.NoError(t, err)
		require.Equal(t, "60.27", order.TotalAmount.StringFixed(2))
	})

	t.Run("publish failure is logged and the order still succeeds", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.publisher.EXPECT().Publish(gomock.Any(), domain.EventOrderCreated, gomock.Any()).
			Return(fmt.Errorf("publish: %w", domain.ErrUnavailable))

		order, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodCash))
		require.NoError(t, err)
		require.Len(t, deps.store.orders, 1)
		require.Equal(t, order.ID, int64(1))
	})

	t.Run("persistence failure after debit is reported", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.store.createErr = errors.New("connection reset")
		deps.ledger.EXPECT().Debit(gomock.Any(), int64(42), decimalEq("200")).Return(decimal.Zero, nil)

		_, err := c.CreateOrder(ctx, validOrder(domain.PaymentMethodEWallet))
		require.Error(t, err)
		require.Empty(t, deps.store.orders)
	})

	t.Run("missing prices are resolved from the catalog", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.catalog.products[7] = domain.Product{ID: 7, Name: "Kettle", Price: decimal.RequireFromString("25.50"), ImageURL: "k.png"}
		deps.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

		req := validOrder(domain.PaymentMethodCash)
		req.Items = []NewOrderItem{{ProductID: 7, Quantity: 2}}

		order, err := c.CreateOrder(ctx, req)
		require.NoError(t, err)
		require.Equal(t, "51.00", order.TotalAmount.StringFixed(2))
		require.Equal(t, "Kettle", order.Items[0].Name)
		require.Equal(t, "k.png", order.Items[0].ImageURL)
		require.Equal(t, 1, deps.catalog.lookups)
	})

	t.Run("catalog outage is not a validation error", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		deps.catalog.err = fmt.Errorf("inventory: %w", domain.ErrUnavailable)

		req := validOrder(domain.PaymentMethodCash)
		req.Items = []NewOrderItem{{ProductID: 7, Quantity: 2}}

		_, err := c.CreateOrder(ctx, req)
		require.ErrorIs(t, err, domain.ErrUnavailable)
		require.NotErrorIs(t, err, domain.ErrValidation)
	})

	invalid := []struct {
		name   string
		mutate func(*NewOrder)
		field  string
	}{
		{"blank recipient", func(o *NewOrder) { o.RecipientName = "  " }, "recipient_name"},
		{"blank phone", func(o *NewOrder) { o.PhoneNumber = "" }, "phone_number"},
		{"blank address", func(o *NewOrder) { o.Address = "" }, "address"},
		{"unknown method", func(o *NewOrder) { o.PaymentMethod = "bitcoin" }, "payment_method"},
		{"no items", func(o *NewOrder) { o.Items = nil }, "items"},
		{"zero quantity", func(o *NewOrder) { o.Items[1].Quantity = 0 }, "items[1].quantity"},
		{"zero price", func(o *NewOrder) { o.Items[0].Price = price("0") }, "items[0].price"},
		{"negative price", func(o *NewOrder) { o.Items[0].Price = price("-1.00") }, "items[0].price"},
		{"three decimal price", func(o *NewOrder) { o.Items[0].Price = price("1.999") }, "items[0].price"},
		{"unknown product without price", func(o *NewOrder) { o.Items[0].Price = nil; o.Items[0].ProductID = 404 }, "items[0].price"},
	}

	for _, tCase := range invalid {
		t.Run(tCase.name, func(t *testing.T) {
			c, deps := newTestCoordinator(t)
			req := validOrder(domain.PaymentMethodEWallet)
			tCase.mutate(&req)

			_, err := c.CreateOrder(ctx, req)
			require.ErrorIs(t, err, domain.ErrValidation)

			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tCase.field, vErr.Field)
			require.Empty(t, deps.store.orders)
		})
	}
}

func TestCoordinator_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	seed := func(store *memStore, status domain.OrderStatus) {
		store.put(domain.Order{
			ID:            10,
			UserID:        42,
			Status:        status,
			StatusName:    status.String(),
			TotalAmount:   decimal.RequireFromString("200"),
			PaymentMethod: domain.PaymentMethodCash,
			Items:         []domain.OrderItem{{ProductID: 1, Quantity: 2, Price: decimal.RequireFromString("100")}},
		})
	}

	t.Run("cancel from processing publishes update and cancellation", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		seed(deps.store, domain.OrderStatusProcessing)

		var keys []string
		var events []domain.OrderStatusEvent
		deps.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Times(2).
			DoAndReturn(func(ctx context.Context, key string, event interface{}) error {
				keys = append(keys, key)
				events = append(events, event.(domain.OrderStatusEvent))
				return nil
			})

		order, err := c.UpdateStatus(ctx, 10, domain.OrderStatusCancelled)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusCancelled, order.Status)

		require.Equal(t, []string{domain.EventOrderStatusUpdated, domain.EventOrderCancelled}, keys)
		require.Equal(t, "Processing", events[1].OldStatus)
		require.Equal(t, "Cancelled", events[1].NewStatus)
		require.Equal(t, domain.OrderStatusCancelled, events[1].NewStatusID)
		require.Equal(t, []domain.OrderItem{{ProductID: 1, Quantity: 2, Price: decimal.RequireFromString("100")}}, events[1].Items)
	})

	t.Run("shipping publishes only the status update", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		seed(deps.store, domain.OrderStatusProcessing)
		deps.publisher.EXPECT().Publish(gomock.Any(), domain.EventOrderStatusUpdated, gomock.Any()).Return(nil)

		order, err := c.UpdateStatus(ctx, 10, domain.OrderStatusShipping)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusShipping, order.Status)
	})

	t.Run("cancel after delivery is rejected with the named rule", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		seed(deps.store, domain.OrderStatusDelivered)

		_, err := c.UpdateStatus(ctx, 10, domain.OrderStatusCancelled)
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Contains(t, err.Error(), "cancellation is only allowed from Processing")

		stored, _ := deps.store.GetByID(ctx, 10)
		require.Equal(t, domain.OrderStatusDelivered, stored.Status)
	})

	t.Run("unknown order", func(t *testing.T) {
		c, _ := newTestCoordinator(t)

		_, err := c.UpdateStatus(ctx, 99, domain.OrderStatusShipping)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("lost race is a validation error", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		seed(deps.store, domain.OrderStatusProcessing)
		deps.store.conflict = true

		_, err := c.UpdateStatus(ctx, 10, domain.OrderStatusShipping)
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Contains(t, err.Error(), "status changed concurrently")
	})

	t.Run("publish failure does not undo the transition", func(t *testing.T) {
		c, deps := newTestCoordinator(t)
		seed(deps.store, domain.OrderStatusShipping)
		deps.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.ErrUnavailable)

		order, err := c.UpdateStatus(ctx, 10, domain.OrderStatusDelivered)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusDelivered, order.Status)
	})
}

func TestCoordinator_List(t *testing.T) {
	c, deps := newTestCoordinator(t)
	deps.store.put(domain.Order{ID: 1, UserID: 42})
	deps.store.put(domain.Order{ID: 2, UserID: 7})
	deps.store.put(domain.Order{ID: 3, UserID: 42})

	list, err := c.List(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(3), list[0].ID)

	_, err = c.List(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrValidation)
}
