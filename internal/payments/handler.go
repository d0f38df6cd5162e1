package payments

import (
	"log/slog"
	"net/http"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

type Handler struct {
	settlement *Settlement
	webhook    http.Handler
	logger     *slog.Logger
}

func NewHandler(settlement *Settlement, webhook http.Handler, logger *slog.Logger) *Handler {
	return &Handler{settlement: settlement, webhook: webhook, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /payments/webhook", h.webhook)
	mux.HandleFunc("GET /payments/{orderId}", h.getPayment)
	mux.HandleFunc("POST /payments/{orderId}/checkout", h.checkout)
	mux.HandleFunc("POST /payments/{orderId}/refund", h.refund)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpjson.PathID(r, "orderId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	payment, err := h.settlement.Get(r.Context(), orderID)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}
	if userID, role, ok := httpjson.Caller(r); ok && !role.Staff() && userID != payment.UserID {
		httpjson.FromError(w, h.logger, domain.ErrNotFound)
		return
	}
	httpjson.Success(w, h.logger, http.StatusOK, httpjson.Envelope{"payment": payment})
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpjson.PathID(r, "orderId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}
	userID, err := httpjson.UserID(r)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	session, err := h.settlement.Checkout(r.Context(), orderID, userID)
	if err != nil {
		h.logger.Warn("checkout failed", "order_id", orderID, "error", err)
		httpjson.FromError(w, h.logger, err)
		return
	}
	httpjson.Success(w, h.logger, http.StatusCreated, httpjson.Envelope{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	})
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpjson.PathID(r, "orderId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}
	if _, role, ok := httpjson.Caller(r); ok && !role.Staff() {
		httpjson.FromError(w, h.logger, domain.ErrForbidden)
		return
	}

	payment, err := h.settlement.Refund(r.Context(), orderID)
	if err != nil {
		h.logger.Warn("refund failed", "order_id", orderID, "error", err)
		httpjson.FromError(w, h.logger, err)
		return
	}
	httpjson.Success(w, h.logger, http.StatusOK, httpjson.Envelope{"payment": payment})
}
