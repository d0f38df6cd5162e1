package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/shopmesh/orderflow/internal/auth"
)

// NewRouter exposes the public API. Every route requires a bearer token
// except the payment webhook, which the payments service authenticates by
// signature. Ledger mutations are not exposed; only the orders and
// payments services call them.
func NewRouter(h *Handler, verifier *auth.Verifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(routeAttribute)
	r.Use(auth.StripIdentity)

	r.Post("/payments/webhook", h.HandlePayments)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))

		r.Get("/orders", h.HandleOrders)
		r.Post("/orders", h.HandleOrders)
		r.Get("/orders/{id}", h.HandleOrders)
		r.Patch("/orders/{id}/status", h.HandleOrders)

		r.Get("/inventory/stock", h.HandleInventory)
		r.Get("/inventory/stock/{productId}", h.HandleInventory)
		r.Post("/inventory/stock/{productId}/restock", h.HandleInventory)

		r.With(auth.RequireSelf("userId", logger)).Get("/balances/{userId}", h.HandleBalances)

		r.Get("/payments/{orderId}", h.HandlePayments)
		r.Post("/payments/{orderId}/checkout", h.HandlePayments)
		r.With(auth.RequireStaff(logger)).Post("/payments/{orderId}/refund", h.HandlePayments)
	})

	return r
}

// routeAttribute records the matched chi pattern on the server span once
// routing is done.
func routeAttribute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				oteltrace.SpanFromContext(r.Context()).SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
	})
}
