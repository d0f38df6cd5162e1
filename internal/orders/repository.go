package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/shopmesh/orderflow/internal/domain"
)

// ErrStatusConflict is returned by UpdateStatus when the order no longer
// has the status the caller read.
var ErrStatusConflict = errors.New("order status changed concurrently")

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders.orders
			(user_id, status_id, total_amount, payment_method, recipient_name, phone_number, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, order.UserID, order.Status, order.TotalAmount, order.PaymentMethod,
		order.RecipientName, order.PhoneNumber, order.Address,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders.order_items (order_id, product_id, product_name, price, image_url, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, order.ID, item.ProductID, item.Name, item.Price, item.ImageURL, item.Quantity)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", item.ProductID, err)
		}
	}

	return tx.Commit()
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*domain.Order, error) {
	order := &domain.Order{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, status_id, total_amount, payment_method, recipient_name, phone_number, address, created_at, updated_at
		FROM orders.orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.UserID, &order.Status, &order.TotalAmount, &order.PaymentMethod,
		&order.RecipientName, &order.PhoneNumber, &order.Address, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	order.StatusName = order.Status.String()

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, product_name, price, image_url, quantity
		FROM orders.order_items
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	order.Items = []domain.OrderItem{}
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.Price, &item.ImageURL, &item.Quantity); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// UpdateStatus moves the order from one status to another only if it is
// still in from. Losing that race yields ErrStatusConflict.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, from, to domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders.orders SET status_id = $1, updated_at = NOW()
		WHERE id = $2 AND status_id = $3
	`, to, id, from)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, ErrStatusConflict
	}

	return r.GetByID(ctx, id)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, status_id, total_amount, payment_method, recipient_name, phone_number, address, created_at, updated_at
		FROM orders.orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[int64]*domain.Order)
	var orderIDs []int64

	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Status, &order.TotalAmount, &order.PaymentMethod,
			&order.RecipientName, &order.PhoneNumber, &order.Address, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		order.StatusName = order.Status.String()
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, price, image_url, quantity
		FROM orders.order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID int64
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Name, &item.Price, &item.ImageURL, &item.Quantity); err != nil {
			return nil, err
		}
		order := orderMap[orderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}
