package payments

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/shopmesh/orderflow/internal/domain"
)

type stripeCall struct {
	path           string
	idempotencyKey string
	form           url.Values
}

// newStripeStub serves canned API responses and records the requests made
// against it.
func newStripeStub(t *testing.T, status int, response string) (*StripeGateway, *[]stripeCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []stripeCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		mu.Lock()
		calls = append(calls, stripeCall{path: r.URL.Path, idempotencyKey: r.Header.Get("Idempotency-Key"), form: form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	gw := NewStripeGateway("sk_test_123", CheckoutOptions{FrontendURL: "https://shop.test/"},
		&stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return gw, &calls
}

func TestStripeGateway_Checkout(t *testing.T) {
	gw, calls := newStripeStub(t, http.StatusOK,
		`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)

	session, err := gw.Checkout(context.Background(), CheckoutRequest{
		OrderID: 9, UserID: 7, Amount: decimal.RequireFromString("50.25"), IdempotencyKey: "checkout-order-9",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", session.ID)
	require.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", session.URL)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, "/v1/checkout/sessions", call.path)
	require.Equal(t, "checkout-order-9", call.idempotencyKey)
	require.Equal(t, "payment", call.form.Get("mode"))
	require.Equal(t, "9", call.form.Get("metadata[order_id]"))
	require.Equal(t, "7", call.form.Get("metadata[user_id]"))
	require.Equal(t, "9", call.form.Get("payment_intent_data[metadata][order_id]"))
	require.Equal(t, "7", call.form.Get("payment_intent_data[metadata][user_id]"))
	require.Equal(t, "5025", call.form.Get("line_items[0][price_data][unit_amount]"))
	require.Equal(t, "usd", call.form.Get("line_items[0][price_data][currency]"))
	require.Equal(t, "https://shop.test/order-confirmation?order_id=9", call.form.Get("success_url"))
}

func TestStripeGateway_Refund(t *testing.T) {
	t.Run("refunds the payment intent", func(t *testing.T) {
		gw, calls := newStripeStub(t, http.StatusOK, `{"id":"re_1","object":"refund","status":"succeeded"}`)

		id, err := gw.Refund(context.Background(), "pi_9", "refund-order-9")
		require.NoError(t, err)
		require.Equal(t, "re_1", id)

		call := (*calls)[0]
		require.Equal(t, "/v1/refunds", call.path)
		require.Equal(t, "refund-order-9", call.idempotencyKey)
		require.Equal(t, "pi_9", call.form.Get("payment_intent"))
	})

	t.Run("refused refund is a validation error", func(t *testing.T) {
		gw, _ := newStripeStub(t, http.StatusBadRequest,
			`{"error":{"type":"invalid_request_error","message":"Charge has already been refunded."}}`)

		_, err := gw.Refund(context.Background(), "pi_9", "refund-order-9")
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Contains(t, err.Error(), "already been refunded")
	})

	t.Run("gateway outage is transient", func(t *testing.T) {
		gw, _ := newStripeStub(t, http.StatusInternalServerError,
			`{"error":{"type":"api_error","message":"boom"}}`)

		_, err := gw.Refund(context.Background(), "pi_9", "refund-order-9")
		require.ErrorIs(t, err, domain.ErrUnavailable)
	})

	t.Run("payment without intent", func(t *testing.T) {
		gw, calls := newStripeStub(t, http.StatusOK, `{}`)

		_, err := gw.Refund(context.Background(), "", "refund-order-9")
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Empty(t, *calls)
	})
}
