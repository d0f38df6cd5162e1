package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shopmesh/orderflow/internal/domain"
)

// Client calls the ledger service over HTTP. Callers supply the
// *http.Client, which carries the timeout and tracing transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type balanceResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Balance decimal.Decimal `json:"balance"`
	Errors  []string        `json:"errors"`
}

func (c *Client) Debit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.post(ctx, userID, "debit", amount, "")
}

func (c *Client) Credit(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	return c.post(ctx, userID, "credit", amount, "")
}

// CreditOnce credits amount under an idempotency key, so a retried call
// never credits twice.
func (c *Client) CreditOnce(ctx context.Context, userID int64, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	return c.post(ctx, userID, "credit", amount, key)
}

func (c *Client) post(ctx context.Context, userID int64, op string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	data, err := json.Marshal(map[string]string{"amount": amount.String()})
	if err != nil {
		return decimal.Zero, err
	}

	url := fmt.Sprintf("%s/balances/%d/%s", c.baseURL, userID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger %s for user %d: %w: %w", op, userID, domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body balanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return decimal.Zero, fmt.Errorf("decode ledger response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body.Balance, nil
	case http.StatusConflict:
		return decimal.Zero, fmt.Errorf("ledger %s for user %d: %w", op, userID, domain.ErrInsufficientFunds)
	case http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("ledger %s for user %d: %w", op, userID, domain.ErrNotFound)
	case http.StatusBadRequest:
		rule := body.Message
		if len(body.Errors) > 0 {
			rule = body.Errors[0]
		}
		return decimal.Zero, domain.NewValidationError("amount", rule)
	default:
		return decimal.Zero, fmt.Errorf("ledger service returned status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}
}
