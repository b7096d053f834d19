package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/internal/secrets"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

// Reason codes recorded when a signature is rejected
const (
	ReasonTenantNotFound = "tenant_not_found"
	ReasonTenantInactive = "tenant_inactive"
	ReasonUnsealFailed   = "unseal_failed"
	ReasonMissing        = "missing_signature"
	ReasonMalformed      = "malformed_signature"
	ReasonMismatch       = "mismatch"
)

const prefix = "sha256="

// Opener decrypts sealed secrets
type Opener interface {
	Open(sealed string) ([]byte, error)
}

// RejectionRecorder receives rejected deliveries for the audit trail
type RejectionRecorder interface {
	LogSignatureRejected(tenantID uuid.UUID, reason, sourceIP, requestID string) error
}

// Validator verifies HMAC-SHA256 webhook signatures with each tenant's sealed secret.
// It fails closed and never tells the caller why a signature was rejected.
type Validator struct {
	scope    repositories.TenantScope
	tenants  repositories.TenantRepository
	opener   Opener
	recorder RejectionRecorder
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewValidator creates a new Validator instance
func NewValidator(
	scope repositories.TenantScope,
	tenants repositories.TenantRepository,
	opener Opener,
	recorder RejectionRecorder,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Validator {
	return &Validator{
		scope:    scope,
		tenants:  tenants,
		opener:   opener,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// Verify looks up the tenant and checks header against rawBody
func (v *Validator) Verify(ctx context.Context, tenantID uuid.UUID, rawBody []byte, header, sourceIP string) bool {
	var tenant *models.Tenant
	err := v.scope.WithTenantContext(ctx, tenantID, func(ctx context.Context) error {
		var err error
		tenant, err = v.tenants.GetByID(ctx, tenantID)
		return err
	})
	if err != nil {
		v.reject(ctx, tenantID, ReasonTenantNotFound, sourceIP)
		return false
	}
	return v.VerifyTenant(ctx, tenant, rawBody, header, sourceIP)
}

// VerifyTenant checks header against rawBody for an already loaded tenant
func (v *Validator) VerifyTenant(ctx context.Context, tenant *models.Tenant, rawBody []byte, header, sourceIP string) bool {
	if !tenant.IsActive {
		v.reject(ctx, tenant.ID, ReasonTenantInactive, sourceIP)
		return false
	}

	presented, reason := decodeHeader(header)
	if reason != "" {
		v.reject(ctx, tenant.ID, reason, sourceIP)
		return false
	}

	secret, err := v.opener.Open(tenant.WebhookSecretSealed)
	if err != nil {
		v.logger.Error("failed to unseal webhook secret", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		v.reject(ctx, tenant.ID, ReasonUnsealFailed, sourceIP)
		return false
	}
	defer secrets.Zero(secret)

	if !hmac.Equal(presented, compute(secret, rawBody)) {
		v.reject(ctx, tenant.ID, ReasonMismatch, sourceIP)
		return false
	}
	return true
}

func (v *Validator) reject(ctx context.Context, tenantID uuid.UUID, reason, sourceIP string) {
	if v.metrics != nil {
		v.metrics.SignatureRejections.WithLabelValues("ticket_webhook").Inc()
	}
	v.logger.Warn("webhook signature rejected",
		zap.String("tenant_id", tenantID.String()),
		zap.String("reason", reason),
		zap.String("source_ip", sourceIP),
	)
	if v.recorder == nil {
		return
	}
	if err := v.recorder.LogSignatureRejected(tenantID, reason, sourceIP, middleware.GetReqID(ctx)); err != nil {
		v.logger.Warn("failed to queue signature rejection audit", zap.Error(err))
	}
}

// VerifyWithSecret checks header against body with a shared secret
func VerifyWithSecret(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	presented, reason := decodeHeader(header)
	if reason != "" {
		return false
	}
	return hmac.Equal(presented, compute(secret, body))
}

// Sign returns the header value for body, in the sha256=<hex> form
func Sign(secret, body []byte) string {
	return prefix + hex.EncodeToString(compute(secret, body))
}

func compute(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// decodeHeader accepts hex with an optional sha256= prefix
func decodeHeader(header string) ([]byte, string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ReasonMissing
	}
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		header = header[len(prefix):]
	}
	decoded, err := hex.DecodeString(header)
	if err != nil || len(decoded) != sha256.Size {
		return nil, ReasonMalformed
	}
	return decoded, ""
}
