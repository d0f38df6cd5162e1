package ledger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

type Accounts interface {
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	Debit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	CreditOnce(ctx context.Context, userID int64, amount decimal.Decimal, reference string) (decimal.Decimal, error)
}

// HeaderIdempotencyKey makes a credit apply at most once per key.
const HeaderIdempotencyKey = "Idempotency-Key"

type Handler struct {
	accounts Accounts
	logger   *slog.Logger
}

func NewHandler(accounts Accounts, logger *slog.Logger) *Handler {
	return &Handler{
		accounts: accounts,
		logger:   logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /balances/{userId}", h.HandleBalance)
	mux.HandleFunc("POST /balances/{userId}/debit", h.HandleDebit)
	mux.HandleFunc("POST /balances/{userId}/credit", h.HandleCredit)
}

type amountRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := httpjson.PathID(r, "userId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	balance, err := h.accounts.Balance(r.Context(), userID)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{
		"message": "balance retrieved",
		"user_id": userID,
		"balance": balance.StringFixed(domain.MoneyScale),
	})
}

func (h *Handler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, "debit applied", h.accounts.Debit)
}

func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		h.mutate(w, r, "credit applied", func(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
			return h.accounts.CreditOnce(ctx, userID, amount, key)
		})
		return
	}
	h.mutate(w, r, "credit applied", h.accounts.Credit)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, message string,
	apply func(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)) {
	userID, err := httpjson.PathID(r, "userId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	var req amountRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	balance, err := apply(r.Context(), userID, *req.Amount)
	if err != nil {
		h.logger.Warn("balance mutation rejected", "error", err, "user_id", userID)
		httpjson.FromError(w, h.logger, err)
		return
	}

	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{
		"message": message,
		"user_id": userID,
		"balance": balance.StringFixed(domain.MoneyScale),
	})
}
