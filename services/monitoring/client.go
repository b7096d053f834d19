// Package monitoring fetches recent signals relevant to a ticket from the monitoring collaborator.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/services/retry"
)

// Signal is one alert or observation
type Signal struct {
	Source     string    `json:"source"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	ObservedAt time.Time `json:"observed_at"`
}

type signalsResponse struct {
	Signals []Signal `json:"signals"`
}

// Client queries GET {url}/signals
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Client. It returns nil when no URL is configured.
func NewClient(cfg config.MonitoringConfig) *Client {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Signals returns up to limit signals for the tenant matching the ticket subject
func (c *Client) Signals(ctx context.Context, tenantID uuid.UUID, subject string, limit int) ([]Signal, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID.String())
	q.Set("query", subject)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/signals?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("monitoring: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitoring: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("monitoring: failed to read response: %w", err)
	}
	if err := retry.FromStatus(resp.StatusCode, string(body)); err != nil {
		return nil, fmt.Errorf("monitoring: %w", err)
	}

	var out signalsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("monitoring: failed to decode response: %w", err)
	}
	if limit > 0 && len(out.Signals) > limit {
		out.Signals = out.Signals[:limit]
	}
	return out.Signals, nil
}
