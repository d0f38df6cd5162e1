package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

const (
	maxWebhookBody  = 64 << 10
	signatureHeader = "Stripe-Signature"
)

// Deduper remembers gateway event ids that were already applied.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type WebhookHandler struct {
	settlement *Settlement
	secret     string
	deduper    Deduper
	logger     *slog.Logger
}

// NewWebhookHandler verifies gateway callbacks with secret. deduper may be
// nil, in which case every verified event is applied.
func NewWebhookHandler(settlement *Settlement, secret string, deduper Deduper, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		settlement: settlement,
		secret:     secret,
		deduper:    deduper,
		logger:     logger,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httpjson.Error(w, h.logger, http.StatusBadRequest, "request body too large")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(signatureHeader), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		httpjson.Error(w, h.logger, http.StatusBadRequest, fmt.Errorf("%w: %w", domain.ErrUnauthentic, err).Error())
		return
	}

	ctx := r.Context()
	if h.deduper != nil {
		seen, err := h.deduper.Seen(ctx, event.ID)
		if err != nil {
			h.logger.Warn("webhook dedup lookup failed", "event_id", event.ID, "error", err)
		}
		if seen {
			h.logger.Info("duplicate webhook event", "event_id", event.ID, "type", event.Type)
			httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{"message": "already processed"})
			return
		}
	}

	outcome, handled, err := outcomeFromEvent(event)
	if err != nil {
		h.logger.Warn("malformed webhook event", "event_id", event.ID, "type", event.Type, "error", err)
		httpjson.FromError(w, h.logger, err)
		return
	}
	if !handled {
		h.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{"message": "ignored"})
		return
	}

	if err := h.settlement.ApplyGatewayOutcome(ctx, outcome); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.logger.Warn("webhook event rejected", "event_id", event.ID, "error", err)
			httpjson.FromError(w, h.logger, err)
			return
		}
		h.logger.Error("failed to apply webhook event", "event_id", event.ID, "order_id", outcome.OrderID, "error", err)
		httpjson.Error(w, h.logger, http.StatusInternalServerError, "failed to process event")
		return
	}

	if h.deduper != nil {
		if err := h.deduper.Mark(ctx, event.ID); err != nil {
			h.logger.Warn("failed to record webhook event", "event_id", event.ID, "error", err)
		}
	}

	h.logger.Info("webhook event applied",
		"event_id", event.ID,
		"type", event.Type,
		"order_id", outcome.OrderID,
		"status", outcome.Status,
	)
	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{"message": "processed"})
}

// outcomeFromEvent reports false for event types that carry no payment
// result.
func outcomeFromEvent(event stripe.Event) (GatewayOutcome, bool, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return GatewayOutcome{}, false, domain.NewValidationError("data.object", "invalid checkout session")
		}
		status := domain.PaymentStatusPaid
		if event.Type == "checkout.session.expired" {
			status = domain.PaymentStatusFailed
		}
		outcome, err := newOutcome(session.Metadata, session.AmountTotal, status)
		if err != nil {
			return GatewayOutcome{}, false, err
		}
		if session.PaymentIntent != nil {
			outcome.GatewayTxnID = session.PaymentIntent.ID
		}
		return outcome, true, nil

	case "charge.failed":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return GatewayOutcome{}, false, domain.NewValidationError("data.object", "invalid charge")
		}
		outcome, err := newOutcome(charge.Metadata, charge.Amount, domain.PaymentStatusFailed)
		if err != nil {
			return GatewayOutcome{}, false, err
		}
		if charge.PaymentIntent != nil {
			outcome.GatewayTxnID = charge.PaymentIntent.ID
		}
		return outcome, true, nil
	}
	return GatewayOutcome{}, false, nil
}

func newOutcome(metadata map[string]string, amountCents int64, status domain.PaymentStatus) (GatewayOutcome, error) {
	orderID, err := strconv.ParseInt(metadata["order_id"], 10, 64)
	if err != nil || orderID <= 0 {
		return GatewayOutcome{}, domain.NewValidationError("metadata.order_id", "must be a positive integer")
	}
	userID, err := strconv.ParseInt(metadata["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return GatewayOutcome{}, domain.NewValidationError("metadata.user_id", "must be a positive integer")
	}

	return GatewayOutcome{
		OrderID: orderID,
		UserID:  userID,
		Amount:  decimal.New(amountCents, -2),
		Status:  status,
	}, nil
}
