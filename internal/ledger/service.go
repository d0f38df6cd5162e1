package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
)

type entryKind string

const (
	entryDebit  entryKind = "debit"
	entryCredit entryKind = "credit"
)

// Service keeps one balance per user. Every mutation locks the balance
// row, writes the new value and appends an entry in the same transaction.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{pool: pool, logger: logger}
}

func (s *Service) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if userID <= 0 {
		return decimal.Zero, domain.NewValidationError("user_id", "must be a positive integer")
	}

	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT balance FROM ledger.balances WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("balance for user %d: %w", userID, domain.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// Debit subtracts amount from the user's balance. It fails with
// domain.ErrInsufficientFunds, leaving the balance untouched, when the
// balance is smaller than amount.
func (s *Service) Debit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.apply(ctx, userID, amount, entryDebit, "")
}

// Credit adds amount to the user's balance, opening it at zero first if
// the user has none.
func (s *Service) Credit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.apply(ctx, userID, amount, entryCredit, "")
}

// CreditOnce credits amount at most once per reference. Repeating a
// reference returns the current balance without a second entry.
func (s *Service) CreditOnce(ctx context.Context, userID int64, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, domain.NewValidationError("reference", "required")
	}
	return s.apply(ctx, userID, amount, entryCredit, reference)
}

func (s *Service) apply(ctx context.Context, userID int64, amount decimal.Decimal, kind entryKind, reference string) (decimal.Decimal, error) {
	if userID <= 0 {
		return decimal.Zero, domain.NewValidationError("user_id", "must be a positive integer")
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return decimal.Zero, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if kind == entryCredit {
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger.balances (user_id, balance, updated_at)
			VALUES ($1, 0, NOW())
			ON CONFLICT (user_id) DO NOTHING`,
			userID,
		)
		if err != nil {
			return decimal.Zero, fmt.Errorf("open balance: %w", err)
		}
	}

	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `
		SELECT balance
		FROM ledger.balances
		WHERE user_id = $1
		FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("balance for user %d: %w", userID, domain.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("select balance: %w", err)
	}

	if reference != "" {
		var applied bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ledger.entries
				WHERE user_id = $1 AND kind = $2 AND reference = $3
			)`,
			userID, string(kind), reference,
		).Scan(&applied)
		if err != nil {
			return decimal.Zero, fmt.Errorf("select entry: %w", err)
		}
		if applied {
			s.logger.Info("entry already applied", "user_id", userID, "kind", string(kind), "reference", reference)
			return balance, nil
		}
	}

	next := balance.Add(amount)
	if kind == entryDebit {
		if balance.LessThan(amount) {
			return decimal.Zero, fmt.Errorf("debit %s from user %d with balance %s: %w",
				amount.StringFixed(domain.MoneyScale), userID, balance.StringFixed(domain.MoneyScale), domain.ErrInsufficientFunds)
		}
		next = balance.Sub(amount)
	}

	_, err = tx.Exec(ctx, `
		UPDATE ledger.balances
		SET balance = $2, updated_at = NOW()
		WHERE user_id = $1`,
		userID, next,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger.entries (user_id, kind, amount, balance_after, reference)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		userID, string(kind), amount, next, reference,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("balance updated", "user_id", userID, "kind", string(kind),
		"amount", amount.StringFixed(domain.MoneyScale), "balance", next.StringFixed(domain.MoneyScale))
	return next, nil
}
