package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/shopmesh/orderflow/internal/domain"
)

// CheckoutOptions configure hosted checkout sessions.
type CheckoutOptions struct {
	FrontendURL string
	Currency    string
}

// StripeGateway opens checkout sessions and issues refunds for card
// payments.
type StripeGateway struct {
	api  *client.API
	opts CheckoutOptions
}

// NewStripeGateway talks to the Stripe API. backends may be nil for the
// default production backends.
func NewStripeGateway(apiKey string, opts CheckoutOptions, backends *stripe.Backends) *StripeGateway {
	if opts.Currency == "" {
		opts.Currency = string(stripe.CurrencyUSD)
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &StripeGateway{api: client.New(apiKey, backends), opts: opts}
}

func (g *StripeGateway) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error) {
	if paymentIntentID == "" {
		return "", domain.NewValidationError("gateway_txn_id", "payment has no gateway transaction to refund")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return "", stripeError("stripe refund", "gateway_txn_id", err)
	}
	return r.ID, nil
}

// Checkout opens a hosted payment page for the order. The order and user
// ids travel as metadata on both the session and its payment intent, so
// every webhook event can be matched back to the order.
func (g *StripeGateway) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	orderID := strconv.FormatInt(req.OrderID, 10)
	metadata := map[string]string{
		"order_id": orderID,
		"user_id":  strconv.FormatInt(req.UserID, 10),
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(orderID),
		SuccessURL:        stripe.String(g.opts.FrontendURL + "/order-confirmation?order_id=" + orderID),
		CancelURL:         stripe.String(g.opts.FrontendURL + "/checkout?payment_failed=true&order_id=" + orderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.opts.Currency),
				UnitAmount: stripe.Int64(req.Amount.Shift(domain.MoneyScale).IntPart()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order #" + orderID),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeError("stripe checkout", "order_id", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// stripeError turns a request Stripe refused into a validation error and
// anything else into a transient failure.
func stripeError(op, field string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
		return domain.NewValidationError(field, stripeErr.Msg)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
}
