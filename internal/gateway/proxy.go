package gateway

import (
	"context"
	"net/http"
	"strings"
)

// forwardedHeaders are copied from the inbound request to the backend.
// Identity headers are only trusted after the auth middleware rewrote them.
var forwardedHeaders = []string{
	"Content-Type",
	"X-Request-Id",
	"X-User-ID",
	"X-User-Role",
	"X-User-Name",
	"X-User-Email",
	"Stripe-Signature",
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	return p.client.Do(req)
}
