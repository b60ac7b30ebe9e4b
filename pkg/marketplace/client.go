package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/merchkit/courier/pkg/config"
	"github.com/merchkit/courier/pkg/log"
	"github.com/merchkit/courier/pkg/metrics"
	"github.com/rs/zerolog"
)

// Client is a thin wrapper over the remote marketplace HTTP API
type Client struct {
	settings   config.MarketplaceSettings
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a marketplace client for the given settings
func NewClient(settings config.MarketplaceSettings) *Client {
	return &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.Timeout()},
		logger:     log.WithComponent("marketplace_client"),
	}
}

// Enabled reports whether the marketplace integration is turned on
func (c *Client) Enabled() bool {
	return c.settings.Enabled
}

// ListPlugins fetches the marketplace catalog. A disabled marketplace
// yields an empty list.
func (c *Client) ListPlugins(ctx context.Context) ([]map[string]any, error) {
	if !c.Enabled() {
		return nil, nil
	}

	body, err := c.get(ctx, "list_plugins", c.buildURL("/plugins"))
	if err != nil {
		return nil, err
	}

	var plugins []map[string]any
	if err := json.Unmarshal(body, &plugins); err != nil {
		return nil, fmt.Errorf("marketplace response is not a JSON array: %w", err)
	}
	return plugins, nil
}

// PluginMetadata fetches the metadata object for one plugin
func (c *Client) PluginMetadata(ctx context.Context, name string) (map[string]any, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("marketplace integration is disabled")
	}

	body, err := c.get(ctx, "plugin_metadata", c.buildURL("/plugins/"+name))
	if err != nil {
		return nil, err
	}

	var metadata map[string]any
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("marketplace plugin metadata is not a JSON object: %w", err)
	}
	return metadata, nil
}

func (c *Client) get(ctx context.Context, operation, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build marketplace request: %w", err)
	}
	for key, value := range c.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.MarketplaceRequestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, fmt.Errorf("marketplace request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.MarketplaceRequestsTotal.WithLabelValues(operation, resp.Status).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("marketplace returned %s for %s", resp.Status, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read marketplace response: %w", err)
	}
	return body, nil
}

func (c *Client) headers() map[string]string {
	headers := map[string]string{"Accept": "application/json"}
	if c.settings.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.settings.APIKey
	}
	return headers
}

func (c *Client) buildURL(path string) string {
	base := strings.TrimRight(c.settings.BaseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
