package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shopmesh/orderflow/internal/domain"
)

const testSecret = "whsec_test"

func sign(payload, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(id, eventType, orderID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"payment_intent": "pi_1",
			"amount_total": 5025,
			"metadata": {"order_id": %q, "user_id": "7"}
		}}
	}`, id, eventType, orderID)
}

func postWebhook(t *testing.T, h http.Handler, payload, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(payload))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Hour), mr
}

func TestWebhook_CheckoutCompleted(t *testing.T) {
	s, deps := newTestSettlement()
	h := NewWebhookHandler(s, testSecret, nil, testLogger())

	payload := checkoutEvent("evt_1", "checkout.session.completed", "42")
	rec := postWebhook(t, h, payload, sign(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p, err := deps.store.GetByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPaid, p.Status)
	require.Equal(t, "pi_1", p.GatewayTxnID)
	require.Equal(t, int64(7), p.UserID)
	require.Equal(t, "50.25", p.Amount.StringFixed(2))
	require.NotNil(t, p.SettledAt)
	require.Equal(t, []notification{{orderID: 42, status: domain.OrderStatusProcessing}}, deps.notifier.calls)
}

func TestWebhook_FailureEvents(t *testing.T) {
	s, deps := newTestSettlement()
	h := NewWebhookHandler(s, testSecret, nil, testLogger())

	payload := checkoutEvent("evt_1", "checkout.session.expired", "42")
	rec := postWebhook(t, h, payload, sign(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	charge := `{"id":"evt_2","object":"event","type":"charge.failed","data":{"object":{
		"id":"ch_1","object":"charge","amount":1000,"payment_intent":"pi_2","metadata":{"order_id":"43","user_id":"7"}}}}`
	rec = postWebhook(t, h, charge, sign(charge, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, domain.PaymentStatusFailed, deps.store.payments[42].Status)
	require.Equal(t, domain.PaymentStatusFailed, deps.store.payments[43].Status)
	require.Equal(t, "pi_2", deps.store.payments[43].GatewayTxnID)
	require.Equal(t, []notification{
		{orderID: 42, status: domain.OrderStatusCancelled},
		{orderID: 43, status: domain.OrderStatusCancelled},
	}, deps.notifier.calls)
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		signature func(payload string) string
		wantCode  int
	}{
		{
			name:      "missing signature",
			payload:   checkoutEvent("evt_1", "checkout.session.completed", "42"),
			signature: func(string) string { return "" },
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "wrong secret",
			payload:   checkoutEvent("evt_1", "checkout.session.completed", "42"),
			signature: func(p string) string { return sign(p, "whsec_other") },
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "missing order id",
			payload:   checkoutEvent("evt_1", "checkout.session.completed", ""),
			signature: func(p string) string { return sign(p, testSecret) },
			wantCode:  http.StatusBadRequest,
		},
		{
			name: "missing user id",
			payload: `{"id":"evt_4","object":"event","type":"charge.failed","data":{"object":{
				"id":"ch_1","object":"charge","amount":1000,"metadata":{"order_id":"43"}}}}`,
			signature: func(p string) string { return sign(p, testSecret) },
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "unhandled type is acknowledged",
			payload:   `{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			signature: func(p string) string { return sign(p, testSecret) },
			wantCode:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, deps := newTestSettlement()
			h := NewWebhookHandler(s, testSecret, nil, testLogger())

			rec := postWebhook(t, h, tt.payload, tt.signature(tt.payload))
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			require.Empty(t, deps.store.payments)
			require.Empty(t, deps.notifier.calls)
		})
	}
}

func TestWebhook_TransientFailureAsksForRedelivery(t *testing.T) {
	s, deps := newTestSettlement()
	deps.notifier.err = fmt.Errorf("orders service: %w", domain.ErrUnavailable)
	deduper, mr := newTestDeduper(t)
	h := NewWebhookHandler(s, testSecret, deduper, testLogger())

	payload := checkoutEvent("evt_1", "checkout.session.completed", "42")
	rec := postWebhook(t, h, payload, sign(payload, testSecret))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, mr.Exists(dedupKeyPrefix+"evt_1"))

	deps.notifier.err = nil
	rec = postWebhook(t, h, payload, sign(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, deps.notifier.calls, 2)
}

func TestWebhook_DuplicateEventIsNotReapplied(t *testing.T) {
	s, deps := newTestSettlement()
	deduper, mr := newTestDeduper(t)
	h := NewWebhookHandler(s, testSecret, deduper, testLogger())

	payload := checkoutEvent("evt_1", "checkout.session.completed", "42")
	for i := 0; i < 3; i++ {
		rec := postWebhook(t, h, payload, sign(payload, testSecret))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Len(t, deps.notifier.calls, 1)

	mr.FastForward(2 * time.Hour)
	rec := postWebhook(t, h, payload, sign(payload, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, deps.notifier.calls, 2)
}

func TestWebhook_LateFailureKeepsCapturedPayment(t *testing.T) {
	s, deps := newTestSettlement()
	h := NewWebhookHandler(s, testSecret, nil, testLogger())

	completed := checkoutEvent("evt_1", "checkout.session.completed", "42")
	rec := postWebhook(t, h, completed, sign(completed, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	charge := `{"id":"evt_0","object":"event","type":"charge.failed","data":{"object":{
		"id":"ch_0","object":"charge","amount":5025,"payment_intent":"pi_0","metadata":{"order_id":"42","user_id":"7"}}}}`
	rec = postWebhook(t, h, charge, sign(charge, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, domain.PaymentStatusPaid, deps.store.payments[42].Status)
	require.Equal(t, "pi_1", deps.store.payments[42].GatewayTxnID)
	require.Equal(t, []notification{{orderID: 42, status: domain.OrderStatusProcessing}}, deps.notifier.calls)
}

func TestRedisDeduper(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestDeduper(t)

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, d.Mark(ctx, "evt_1"))
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, time.Hour, mr.TTL(dedupKeyPrefix+"evt_1"))

	mr.Close()
	_, err = d.Seen(ctx, "evt_1")
	require.Error(t, err)
}
