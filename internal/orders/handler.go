package orders

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
	"github.com/shopmesh/orderflow/internal/httpjson"
)

type Handler struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

func NewHandler(coordinator *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /orders", h.HandleList)
	mux.HandleFunc("POST /orders", h.HandleCreate)
	mux.HandleFunc("GET /orders/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /orders/{id}/status", h.HandleUpdateStatus)
}

type createOrderItem struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Name      string           `json:"name,omitempty"`
	ImageURL  string           `json:"image_url,omitempty"`
}

type createOrderRequest struct {
	RecipientName string            `json:"recipient_name" validate:"required"`
	PhoneNumber   string            `json:"phone_number" validate:"required"`
	Address       string            `json:"address" validate:"required"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=cash ewallet stripe"`
	Items         []createOrderItem `json:"items" validate:"required,min=1,dive"`
}

func (req createOrderRequest) toNewOrder(userID int64) NewOrder {
	items := make([]NewOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, NewOrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
		})
	}
	return NewOrder{
		UserID:        userID,
		RecipientName: req.RecipientName,
		PhoneNumber:   req.PhoneNumber,
		Address:       req.Address,
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		Items:         items,
	}
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := httpjson.UserID(r)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	var req createOrderRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	order, err := h.coordinator.CreateOrder(r.Context(), req.toNewOrder(userID))
	if err != nil {
		h.logger.Warn("order rejected", "error", err, "user_id", userID)
		httpjson.FromError(w, h.logger, err)
		return
	}

	httpjson.Success(w, h.logger, http.StatusCreated, httpjson.Envelope{"order": order})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpjson.PathID(r, "id")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	order, err := h.coordinator.Get(r.Context(), id)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	// Customers only see their own orders.
	if userID, role, ok := httpjson.Caller(r); ok && !role.Staff() && userID != order.UserID {
		httpjson.FromError(w, h.logger, domain.ErrNotFound)
		return
	}

	httpjson.Success(w, h.logger, http.StatusOK, httpjson.Envelope{"order": order})
}

type updateStatusRequest struct {
	StatusID domain.OrderStatus `json:"status_id" validate:"required"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpjson.PathID(r, "id")
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	var req updateStatusRequest
	if err := httpjson.Decode(w, r, &req); err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	if err := h.authorizeStatusChange(r, id, req.StatusID); err != nil {
		h.logger.Warn("status update refused", "error", err, "order_id", id, "status_id", int(req.StatusID))
		httpjson.FromError(w, h.logger, err)
		return
	}

	order, err := h.coordinator.UpdateStatus(r.Context(), id, req.StatusID)
	if err != nil {
		h.logger.Warn("status update rejected", "error", err, "order_id", id, "status_id", int(req.StatusID))
		httpjson.FromError(w, h.logger, err)
		return
	}

	httpjson.Success(w, h.logger, http.StatusOK, httpjson.Envelope{"order": order})
}

// authorizeStatusChange lets internal callers and staff move any order. A
// customer may only cancel an order of their own.
func (h *Handler) authorizeStatusChange(r *http.Request, orderID int64, status domain.OrderStatus) error {
	userID, role, ok := httpjson.Caller(r)
	if !ok || role.Staff() {
		return nil
	}

	order, err := h.coordinator.Get(r.Context(), orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return domain.ErrNotFound
	}
	if status != domain.OrderStatusCancelled {
		return fmt.Errorf("customers may only cancel orders: %w", domain.ErrForbidden)
	}
	return nil
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, err := httpjson.UserID(r)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	orders, err := h.coordinator.List(r.Context(), userID)
	if err != nil {
		httpjson.FromError(w, h.logger, err)
		return
	}

	h.logger.Info("orders listed", "user_id", userID, "count", len(orders))
	httpjson.Success(w, h.logger, http.StatusOK, httpjson.Envelope{"orders": orders})
}
