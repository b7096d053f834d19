// Package ticketing talks to a tenant's ServiceDesk Plus instance over its v3 REST API.
//
// Every call is made with the tenant's own API credential. The credential is unsealed
// for the duration of one request and zeroed afterwards; it is never logged.
package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/secrets"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/services/retry"
	"go.uber.org/zap"
)

const (
	acceptHeader     = "application/vnd.manageengine.sdp.v3+json"
	maxResponseBytes = 2 << 20
)

// ErrNoCredential is returned when a tenant has no API credential configured
var ErrNoCredential = errors.New("ticketing: tenant has no api credential")

// Opener unseals tenant secrets
type Opener interface {
	Open(sealed string) ([]byte, error)
}

// Note is a note attached to a ticket
type Note struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Ticket is the subset of a ServiceDesk Plus request the pipeline reads
type Ticket struct {
	ID         string
	Subject    string
	Status     string
	Resolution string
	Notes      []Note
}

// HasNoteContaining reports whether any note on the ticket contains marker
func (t *Ticket) HasNoteContaining(marker string) bool {
	for _, n := range t.Notes {
		if strings.Contains(n.Description, marker) {
			return true
		}
	}
	return false
}

type named struct {
	Name string `json:"name"`
}

type sdpRequest struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Status     named  `json:"status"`
	Resolution struct {
		Content string `json:"content"`
	} `json:"resolution"`
}

func (r sdpRequest) ticket() *Ticket {
	return &Ticket{ID: r.ID, Subject: r.Subject, Status: r.Status.Name, Resolution: r.Resolution.Content}
}

type responseStatus struct {
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	Messages   []struct {
		Message string `json:"message"`
	} `json:"messages"`
}

// envelope is the union of the response bodies used here
type envelope struct {
	Request        *sdpRequest     `json:"request"`
	Requests       []sdpRequest    `json:"requests"`
	Notes          []Note          `json:"notes"`
	ResponseStatus json.RawMessage `json:"response_status"`
}

// status decodes response_status, which is an object on most endpoints and an array on lists
func (e *envelope) status() responseStatus {
	var s responseStatus
	if len(e.ResponseStatus) == 0 {
		return s
	}
	if e.ResponseStatus[0] == '[' {
		var list []responseStatus
		if json.Unmarshal(e.ResponseStatus, &list) == nil && len(list) > 0 {
			return list[0]
		}
		return s
	}
	_ = json.Unmarshal(e.ResponseStatus, &s)
	return s
}

// Client is a ServiceDesk Plus client shared by all tenants
type Client struct {
	opener     Opener
	httpClient *http.Client
	marker     string
	logger     *zap.Logger
}

// NewClient creates a new Client instance
func NewClient(opener Opener, cfg config.TicketingConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MarkerNoteText == "" {
		cfg.MarkerNoteText = "[ai-enhancement]"
	}
	return &Client{
		opener:     opener,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		marker:     cfg.MarkerNoteText,
		logger:     logger,
	}
}

// Marker returns the text that identifies the note written for a job
func (c *Client) Marker(jobID uuid.UUID) string {
	return fmt.Sprintf("%s job=%s", c.marker, jobID)
}

// GetTicket returns the ticket with its notes
func (c *Client) GetTicket(ctx context.Context, tenant *models.Tenant, ticketID string) (*Ticket, error) {
	path := "/api/v3/requests/" + url.PathEscape(ticketID)

	var req envelope
	if err := c.do(ctx, tenant, http.MethodGet, path, nil, &req); err != nil {
		return nil, err
	}
	if req.Request == nil {
		return nil, retry.Permanent(fmt.Errorf("ticketing: request %s missing from response", ticketID))
	}

	var notes envelope
	if err := c.do(ctx, tenant, http.MethodGet, path+"/notes", nil, &notes); err != nil {
		return nil, err
	}

	t := req.Request.ticket()
	t.Notes = notes.Notes
	return t, nil
}

// AddNote attaches a technician-only note to the ticket
func (c *Client) AddNote(ctx context.Context, tenant *models.Tenant, ticketID, text string) error {
	input, err := json.Marshal(map[string]interface{}{
		"note": map[string]interface{}{
			"description":            text,
			"show_to_requester":      false,
			"mark_first_response":    false,
			"add_to_linked_requests": false,
		},
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("ticketing: failed to encode note: %w", err))
	}
	form := url.Values{"input_data": {string(input)}}
	return c.do(ctx, tenant, http.MethodPost, "/api/v3/requests/"+url.PathEscape(ticketID)+"/notes", form, nil)
}

// UpdateTicket writes content as the enhancement note for jobID unless a note carrying
// the job's marker already exists. It reports whether a note was written.
func (c *Client) UpdateTicket(ctx context.Context, tenant *models.Tenant, ticketID string, jobID uuid.UUID, content string) (bool, error) {
	marker := c.Marker(jobID)

	ticket, err := c.GetTicket(ctx, tenant, ticketID)
	if err != nil {
		return false, err
	}
	if ticket.HasNoteContaining(marker) {
		c.logger.Info("enhancement note already present",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("ticket_id", ticketID),
			zap.String("job_id", jobID.String()))
		return false, nil
	}

	if err := c.AddNote(ctx, tenant, ticketID, marker+"\n\n"+content); err != nil {
		return false, err
	}
	return true, nil
}

// SearchSimilar returns up to limit tickets whose subject matches subject, excluding excludeID
func (c *Client) SearchSimilar(ctx context.Context, tenant *models.Tenant, subject, excludeID string, limit int) ([]*Ticket, error) {
	if limit <= 0 {
		limit = 5
	}
	query := searchTerms(subject)
	if query == "" {
		return nil, nil
	}

	input, err := json.Marshal(map[string]interface{}{
		"list_info": map[string]interface{}{
			"row_count":  limit + 1,
			"sort_field": "created_time",
			"sort_order": "desc",
			"search_criteria": []map[string]interface{}{
				{"field": "subject", "condition": "contains", "value": query},
			},
		},
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("ticketing: failed to encode search: %w", err))
	}

	var resp envelope
	path := "/api/v3/requests?input_data=" + url.QueryEscape(string(input))
	if err := c.do(ctx, tenant, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*Ticket, 0, len(resp.Requests))
	for _, r := range resp.Requests {
		if r.ID == excludeID {
			continue
		}
		out = append(out, r.ticket())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// searchTerms picks the longest word of a subject for the contains filter
func searchTerms(subject string) string {
	words := strings.Fields(subject)
	var best string
	for _, w := range words {
		w = strings.Trim(w, ".,:;!?()[]{}\"'")
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}

// do sends one request with the tenant's credential. Errors are classified for the retry coordinator.
func (c *Client) do(ctx context.Context, tenant *models.Tenant, method, path string, form url.Values, out *envelope) error {
	if tenant.APICredentialSealed == "" {
		return retry.Permanent(ErrNoCredential)
	}
	base := strings.TrimRight(tenant.BaseURL, "/")
	if base == "" {
		return retry.Permanent(fmt.Errorf("ticketing: tenant %s has no base url", tenant.ID))
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("ticketing: failed to build request: %w", err))
	}
	req.Header.Set("Accept", acceptHeader)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	credential, err := c.opener.Open(tenant.APICredentialSealed)
	if err != nil {
		return retry.Permanent(fmt.Errorf("ticketing: failed to unseal credential: %w", err))
	}
	req.Header.Set("authtoken", string(credential))
	secrets.Zero(credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ticketing: %s %s: %w", method, redactPath(path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("ticketing: failed to read response: %w", err)
	}
	if err := retry.FromStatus(resp.StatusCode, string(raw)); err != nil {
		c.logger.Warn("ticketing call failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("method", method),
			zap.String("path", redactPath(path)),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("ticketing: %s %s: %w", method, redactPath(path), err)
	}

	if out == nil {
		out = &envelope{}
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ticketing: failed to decode response: %w", err)
	}
	if s := out.status(); s.Status == "failed" {
		msg := "request failed"
		if len(s.Messages) > 0 {
			msg = s.Messages[0].Message
		}
		return retry.Permanent(fmt.Errorf("ticketing: %s (code %d)", msg, s.StatusCode))
	}
	return nil
}

// redactPath drops the query string, which may carry ticket text
func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
