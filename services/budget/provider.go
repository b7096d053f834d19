package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/services/retry"
)

// Provider is the downstream budget-provider API that enforces spend at the LLM proxy
type Provider interface {
	// ResetSpend tells the provider a new spend window started
	ResetSpend(ctx context.Context, tenantID uuid.UUID, windowStart, windowEnd time.Time) error

	// SetLimit updates the enforced spend limit
	SetLimit(ctx context.Context, tenantID uuid.UUID, limit float64) error
}

// NoopProvider is used when no budget provider is configured
type NoopProvider struct{}

// ResetSpend does nothing
func (NoopProvider) ResetSpend(ctx context.Context, tenantID uuid.UUID, windowStart, windowEnd time.Time) error {
	return nil
}

// SetLimit does nothing
func (NoopProvider) SetLimit(ctx context.Context, tenantID uuid.UUID, limit float64) error {
	return nil
}

// HTTPProvider calls the budget-provider REST API
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewProvider returns an HTTPProvider, or a NoopProvider when no URL is configured
func NewProvider(cfg config.BudgetConfig) Provider {
	if cfg.ProviderURL == "" {
		return NoopProvider{}
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(cfg.ProviderURL, "/"),
		apiKey:     cfg.ProviderAPIKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type resetRequest struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type limitRequest struct {
	Limit float64 `json:"limit"`
}

// ResetSpend calls POST /tenants/{id}/spend/reset
func (p *HTTPProvider) ResetSpend(ctx context.Context, tenantID uuid.UUID, windowStart, windowEnd time.Time) error {
	return p.send(ctx, http.MethodPost, "/tenants/"+tenantID.String()+"/spend/reset",
		resetRequest{WindowStart: windowStart.UTC(), WindowEnd: windowEnd.UTC()})
}

// SetLimit calls PUT /tenants/{id}/limit
func (p *HTTPProvider) SetLimit(ctx context.Context, tenantID uuid.UUID, limit float64) error {
	return p.send(ctx, http.MethodPut, "/tenants/"+tenantID.String()+"/limit", limitRequest{Limit: limit})
}

func (p *HTTPProvider) send(ctx context.Context, method, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("budget provider: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("budget provider: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("budget provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := retry.FromStatus(resp.StatusCode, string(respBody)); err != nil {
		return fmt.Errorf("budget provider: %s %s: %w", method, path, err)
	}
	return nil
}
