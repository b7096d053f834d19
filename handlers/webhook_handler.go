package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/budget"
	"github.com/upb/ticket-enhancer/services/ingest"
	"github.com/upb/ticket-enhancer/services/signature"
	"github.com/upb/ticket-enhancer/utils"
	"go.uber.org/zap"
)

// Webhook signature headers
const (
	TicketSignatureHeader = "X-Webhook-Signature"
	BudgetSignatureHeader = "X-Budget-Signature"
)

const defaultMaxBodyBytes = 1 << 20

// TicketReceiver turns an authenticated delivery into a queued job
type TicketReceiver interface {
	Receive(ctx context.Context, d *ingest.Delivery) (*ingest.Result, error)
}

// ThresholdRecorder records budget-provider threshold events
type ThresholdRecorder interface {
	RecordThreshold(ctx context.Context, event budget.ThresholdEvent) error
}

// WebhookHandler handles the inbound ticket and budget-provider webhooks
type WebhookHandler struct {
	receiver     TicketReceiver
	thresholds   ThresholdRecorder
	budgetSecret []byte
	maxBodyBytes int64
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler. An empty budgetSecret rejects every
// budget-provider delivery.
func NewWebhookHandler(receiver TicketReceiver, thresholds ThresholdRecorder, budgetSecret string, maxBodyBytes int64, metrics *observability.Metrics, logger *zap.Logger) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{
		receiver:     receiver,
		thresholds:   thresholds,
		budgetSecret: []byte(budgetSecret),
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
		logger:       logger,
	}
}

// HandleTicket handles POST /webhooks/tickets/{tenantID}
func (h *WebhookHandler) HandleTicket(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	raw := chi.URLParam(r, "tenantID")
	if raw == "" {
		raw = r.URL.Query().Get("tenant_id")
	}
	tenantID, err := utils.ParseUUID("tenant_id", raw)
	if err != nil {
		HandleServiceError(w, services.ErrInvalidTenant, h.logger)
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	result, err := h.receiver.Receive(r.Context(), &ingest.Delivery{
		TenantID:  tenantID,
		Body:      body,
		Signature: r.Header.Get(TicketSignatureHeader),
		SourceIP:  sourceIP(r),
	})
	if err != nil {
		h.logger.Debug("ticket webhook rejected",
			zap.String("request_id", requestID),
			observability.TenantField(tenantID),
			zap.String("error_type", string(services.GetErrorType(err))))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteAccepted(w, result); err != nil {
		h.logger.Error("failed to write webhook response", zap.Error(err))
	}
}

// HandleBudget handles POST /webhooks/budget
func (h *WebhookHandler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	if len(h.budgetSecret) == 0 || !signature.VerifyWithSecret(h.budgetSecret, body, r.Header.Get(BudgetSignatureHeader)) {
		if h.metrics != nil {
			h.metrics.SignatureRejections.WithLabelValues("budget_webhook").Inc()
		}
		h.logger.Warn("budget webhook signature rejected", zap.String("source_ip", sourceIP(r)))
		HandleServiceError(w, services.ErrInvalidSignature, h.logger)
		return
	}

	var event budget.ThresholdEvent
	if err := json.Unmarshal(body, &event); err != nil {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation, "malformed budget event", err), h.logger)
		return
	}
	if err := utils.ValidateStruct(&event); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.thresholds.RecordThreshold(r.Context(), event); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if err := utils.WriteOK(w, map[string]interface{}{"recorded": true}); err != nil {
		h.logger.Error("failed to write budget webhook response", zap.Error(err))
	}
}

func (h *WebhookHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := utils.ReadBody(r, h.maxBodyBytes)
	if errors.Is(err, utils.ErrBodyTooLarge) {
		_ = utils.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return nil, false
	}
	if err != nil {
		_ = utils.WriteBadRequest(w, "unreadable request body", nil)
		return nil, false
	}
	return body, true
}

// sourceIP strips the port from RemoteAddr; chi's RealIP has already applied forwarding headers
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
