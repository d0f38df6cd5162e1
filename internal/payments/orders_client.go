package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopmesh/orderflow/internal/domain"
)

// OrdersClient moves orders through the orders service HTTP API.
type OrdersClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOrdersClient(baseURL string, httpClient *http.Client) *OrdersClient {
	return &OrdersClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type orderResponse struct {
	Order struct {
		ID       int64              `json:"id"`
		StatusID domain.OrderStatus `json:"status_id"`
	} `json:"order"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// Notify asks the orders service to move orderID to status. An order
// already in that status is left alone. A rejected transition comes back
// as a *domain.ValidationError and an unreachable service as
// domain.ErrUnavailable.
func (c *OrdersClient) Notify(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	current, err := c.Status(ctx, orderID)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	return c.updateOrderStatus(ctx, orderID, status)
}

// Status reports the order's current status.
func (c *OrdersClient) Status(ctx context.Context, orderID int64) (domain.OrderStatus, error) {
	url := fmt.Sprintf("%s/orders/%d", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	var body orderResponse
	if err := c.do(req, &body); err != nil {
		return 0, err
	}
	return body.Order.StatusID, nil
}

func (c *OrdersClient) updateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	data, err := json.Marshal(map[string]int{"status_id": int(status)})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/orders/%d/status", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var body orderResponse
	return c.do(req, &body)
}

func (c *OrdersClient) do(req *http.Request, body *orderResponse) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orders service: %w: %w", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	decodeErr := json.NewDecoder(resp.Body).Decode(body)

	switch {
	case resp.StatusCode == http.StatusOK:
		if decodeErr != nil {
			return fmt.Errorf("decode orders response: %w", decodeErr)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("orders service: %w", domain.ErrNotFound)
	case resp.StatusCode == http.StatusBadRequest:
		rule := body.Message
		if len(body.Errors) > 0 {
			rule = body.Errors[0]
		}
		return domain.NewValidationError("status_id", rule)
	default:
		return fmt.Errorf("orders service returned status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}
}
