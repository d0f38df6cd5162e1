package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shopmesh/orderflow/internal/domain"
)

// HTTPCatalog looks product prices up in the inventory service and keeps
// them in an expiring LRU.
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
	cache      *expirable.LRU[int64, domain.Product]
}

func NewHTTPCatalog(baseURL string, httpClient *http.Client, size int, ttl time.Duration) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      expirable.NewLRU[int64, domain.Product](size, nil, ttl),
	}
}

type productResponse struct {
	Product domain.Product `json:"product"`
}

func (c *HTTPCatalog) Product(ctx context.Context, productID int64) (*domain.Product, error) {
	if product, ok := c.cache.Get(productID); ok {
		return &product, nil
	}

	url := fmt.Sprintf("%s/stock/%d", c.baseURL, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup %d: %w: %w", productID, domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("product %d: %w", productID, domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("inventory service returned status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	}

	var body productResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}

	c.cache.Add(productID, body.Product)
	return &body.Product, nil
}
