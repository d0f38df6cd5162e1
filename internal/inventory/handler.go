package inventory

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

type Catalog interface {
	ListAll(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	Restock(ctx context.Context, productID int64, quantity int) (*domain.StockLevel, error)
}

type Handler struct {
	catalog   Catalog
	publisher Publisher
	logger    *slog.Logger
}

func NewHandler(catalog Catalog, publisher Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		catalog:   catalog,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stock", h.HandleListStock)
	mux.HandleFunc("GET /stock/{productId}", h.HandleGetStock)
	mux.HandleFunc("POST /stock/{productId}/restock", h.HandleRestock)
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListAll(r.Context())
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	h.logger.Info("stock listed", "count", len(products))
	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{"products": products})
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID, err := httpjson.PathID(r, "productId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	product, err := h.catalog.GetProduct(r.Context(), productID)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{"product": product})
}

type restockRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) HandleRestock(w http.ResponseWriter, r *http.Request) {
	productID, err := httpjson.PathID(r, "productId")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	var req restockRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	level, err := h.catalog.Restock(r.Context(), productID, req.Quantity)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	event := domain.StockChangedEvent{ProductID: level.ProductID, NewStock: level.Stock}
	if err := h.publisher.Publish(r.Context(), domain.EventProductStockChanged, event); err != nil {
		h.logger.Error("failed to publish stock changed event", "error", err, "product_id", productID)
	}

	h.logger.Info("stock replenished", "product_id", productID, "quantity", req.Quantity, "stock", level.Stock)
	httpjson.OK(w, h.logger, http.StatusOK, httpjson.Envelope{
		"message": "stock replenished",
		"stock":   level,
	})
}
