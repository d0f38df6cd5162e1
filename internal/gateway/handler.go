package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shopmesh/orderflow/internal/httpjson"
)

type Backends struct {
	Orders    *ServiceProxy
	Inventory *ServiceProxy
	Payments  *ServiceProxy
	Ledger    *ServiceProxy
}

type Handler struct {
	backends Backends
	logger   *slog.Logger
}

func NewHandler(backends Backends, logger *slog.Logger) *Handler {
	return &Handler{
		backends: backends,
		logger:   logger,
	}
}

func (h *Handler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.backends.Orders, r.URL.Path)
}

// HandleInventory maps /inventory/stock* onto the inventory service's
// /stock* routes.
func (h *Handler) HandleInventory(w http.ResponseWriter, r *http.Request) {
	path := strings.Replace(r.URL.Path, "/inventory/stock", "/stock", 1)
	h.proxyRequest(w, r, h.backends.Inventory, path)
}

func (h *Handler) HandlePayments(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.backends.Payments, r.URL.Path)
}

func (h *Handler) HandleBalances(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.backends.Ledger, r.URL.Path)
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		r.Header.Set("X-Request-Id", reqID)
	}

	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		httpjson.Error(w, h.logger, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied",
		"method", r.Method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", middleware.GetReqID(r.Context()),
	)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}
