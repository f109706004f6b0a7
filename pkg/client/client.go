// Package client talks to the read-only service discovery API served by the operator.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/vaheed/tenantplane/pkg/types"
)

// APIError is a non-2xx answer of the discovery API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("discovery api: status %d", e.Status)
	}
	return fmt.Sprintf("discovery api: %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the discovery API.
func IsNotFound(err error) bool {
	if e, ok := err.(*APIError); ok {
		return e.Status == http.StatusNotFound
	}
	return false
}

type Client struct {
	base string
	http *http.Client
}

func New(base string) *Client {
	return &Client{base: trim(base), http: &http.Client{Timeout: 10 * time.Second}}
}

// WithHTTPClient replaces the transport, e.g. for tests or custom TLS.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func trim(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthz returns the number of tenants the server currently tracks.
func (c *Client) Healthz(ctx context.Context) (int, error) {
	var v struct {
		Status  string `json:"status"`
		Tenants int    `json:"tenants"`
	}
	if err := c.get(ctx, "/healthz", nil, &v); err != nil {
		return 0, err
	}
	return v.Tenants, nil
}

// AllEndpoints returns every registered endpoint keyed by tenant.
func (c *Client) AllEndpoints(ctx context.Context) (map[string][]types.ServiceEndpoint, error) {
	var v map[string][]types.ServiceEndpoint
	if err := c.get(ctx, "/api/v1/endpoints", nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TenantEndpoints returns the endpoints of one tenant.
func (c *Client) TenantEndpoints(ctx context.Context, tenant string) ([]types.ServiceEndpoint, error) {
	var v []types.ServiceEndpoint
	if err := c.get(ctx, "/api/v1/tenants/"+url.PathEscape(tenant)+"/endpoints", nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ServiceEndpoints returns the endpoints backing one service of a tenant.
func (c *Client) ServiceEndpoints(ctx context.Context, tenant, service string) ([]types.ServiceEndpoint, error) {
	var v []types.ServiceEndpoint
	path := "/api/v1/tenants/" + url.PathEscape(tenant) + "/services/" + url.PathEscape(service)
	if err := c.get(ctx, path, nil, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// FindService matches endpoints whose metadata contains every criteria pair.
func (c *Client) FindService(ctx context.Context, criteria map[string]string) ([]types.ServiceEndpoint, error) {
	q := url.Values{}
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, criteria[k])
	}
	var v []types.ServiceEndpoint
	if err := c.get(ctx, "/api/v1/endpoints/search", q, &v); err != nil {
		return nil, err
	}
	return v, nil
}
