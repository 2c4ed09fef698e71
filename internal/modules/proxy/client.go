package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Client implements domain.Router against the edge proxy's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a proxy admin client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.With().Str("service", "proxy").Logger(),
	}
}

// AddRoute registers a tenant route after SSRF validation of its upstream.
func (c *Client) AddRoute(ctx context.Context, route domain.Route) error {
	if err := ValidateSubdomain(route.Subdomain); err != nil {
		return err
	}
	if err := ValidateUpstream(ctx, route.Upstream); err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/routes", route)
}

// RemoveRoute drops a tenant route.
func (c *Client) RemoveRoute(ctx context.Context, instanceID string) error {
	return c.call(ctx, http.MethodDelete, "/routes/"+instanceID, nil)
}

// UpdateHealth flags a route healthy or unhealthy at the edge.
func (c *Client) UpdateHealth(ctx context.Context, instanceID string, healthy bool) error {
	return c.call(ctx, http.MethodPut, "/routes/"+instanceID+"/health", map[string]bool{"healthy": healthy})
}

// ReassignTenant points a route at a different node. Called after a
// successful migration or recovery; the edge swaps upstreams atomically.
func (c *Client) ReassignTenant(ctx context.Context, instanceID, nodeID string) error {
	return c.call(ctx, http.MethodPut, "/routes/"+instanceID+"/node", map[string]string{"node_id": nodeID})
}

// Reload asks the edge to re-read its route table.
func (c *Client) Reload(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/reload", nil)
}

func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal proxy request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy returned %d for %s %s: %s", resp.StatusCode, method, path, string(data))
	}
	return nil
}
