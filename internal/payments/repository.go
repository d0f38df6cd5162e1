package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopmesh/orderflow/internal/domain"
)

const paymentColumns = `id, order_id, user_id, amount, payment_method, status,
	COALESCE(gateway_txn_id, ''), settled_at, created_at, updated_at`

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Method, &p.Status,
		&p.GatewayTxnID, &p.SettledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts the payment for an order unless one already exists, in
// which case it reports false and leaves p untouched.
func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments.payments (order_id, user_id, amount, payment_method, status, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (order_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		p.OrderID, p.UserID, p.Amount, p.Method, p.Status, p.SettledAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return true, nil
}

// Upsert records a gateway outcome and reports whether it was applied. A
// refunding or refunded payment keeps its status, and a failure never
// overwrites a captured payment.
func (r *PaymentRepository) Upsert(ctx context.Context, p *domain.Payment) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments.payments
			(order_id, user_id, amount, payment_method, status, gateway_txn_id, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW(), NOW())
		ON CONFLICT (order_id) DO UPDATE
		SET status = EXCLUDED.status,
			gateway_txn_id = COALESCE(EXCLUDED.gateway_txn_id, payments.payments.gateway_txn_id),
			settled_at = COALESCE(payments.payments.settled_at, EXCLUDED.settled_at),
			updated_at = NOW()
		WHERE payments.payments.status NOT IN ('Refunding', 'Refunded')
			AND NOT (EXCLUDED.status = 'Failed' AND payments.payments.status = 'Paid')
		RETURNING id, created_at, updated_at`,
		p.OrderID, p.UserID, p.Amount, p.Method, p.Status, p.GatewayTxnID, p.SettledAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("upsert payment: %w", err)
	}
	return true, nil
}

func (r *PaymentRepository) GetByOrder(ctx context.Context, orderID int64) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments.payments
		WHERE order_id = $1`,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment for order %d: %w", orderID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

// ClaimRefund moves a Paid payment to Refunding. Only one caller can claim
// a payment; the others get a validation error.
func (r *PaymentRepository) ClaimRefund(ctx context.Context, orderID int64) (*domain.Payment, error) {
	return r.transition(ctx, orderID, domain.PaymentStatusPaid, domain.PaymentStatusRefunding)
}

// ReleaseRefund returns a claimed payment to Paid after the refund could
// not be issued.
func (r *PaymentRepository) ReleaseRefund(ctx context.Context, orderID int64) error {
	_, err := r.transition(ctx, orderID, domain.PaymentStatusRefunding, domain.PaymentStatusPaid)
	return err
}

// MarkRefunded completes a claimed refund.
func (r *PaymentRepository) MarkRefunded(ctx context.Context, orderID int64) (*domain.Payment, error) {
	return r.transition(ctx, orderID, domain.PaymentStatusRefunding, domain.PaymentStatusRefunded)
}

func (r *PaymentRepository) transition(ctx context.Context, orderID int64, from, to domain.PaymentStatus) (*domain.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `
		UPDATE payments.payments
		SET status = $3, updated_at = NOW()
		WHERE order_id = $1 AND status = $2
		RETURNING `+paymentColumns,
		orderID, from, to,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewValidationError("status", "payment changed concurrently")
		}
		return nil, fmt.Errorf("move payment from %s to %s: %w", from, to, err)
	}
	return p, nil
}
