package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the kind of tenant-scoped mutation being recorded
type AuditAction string

const (
	AuditActionSignatureRejected      AuditAction = "signature_rejected"
	AuditActionJobFailed              AuditAction = "job_failed"
	AuditActionJobDeadLettered        AuditAction = "job_dead_lettered"
	AuditActionJobReplayed            AuditAction = "job_replayed"
	AuditActionBudgetReset            AuditAction = "budget_reset"
	AuditActionBudgetOverrideGranted  AuditAction = "budget_override_granted"
	AuditActionBudgetOverrideExpired  AuditAction = "budget_override_expired"
	AuditActionBudgetThresholdCrossed AuditAction = "budget_threshold_crossed"
	AuditActionTenantCreated          AuditAction = "tenant_created"
	AuditActionTenantUpdated          AuditAction = "tenant_updated"
	AuditActionTenantDeactivated      AuditAction = "tenant_deactivated"
	AuditActionIsolationViolation     AuditAction = "isolation_violation"
)

// Well-known actors for entries not caused by an authenticated user
const (
	ActorSystem          = "system"
	ActorWebhook         = "webhook"
	ActorWorker          = "worker"
	ActorBudgetSweep     = "budget_sweep"
	ActorBudgetProvider  = "budget_provider"
	ActorIsolationCanary = "isolation_canary"
)

// AuditLog represents an append-only audit trail entry
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Action       AuditAction     `json:"action" db:"action"`
	Actor        string          `json:"actor" db:"actor"`
	ResourceType string          `json:"resource_type" db:"resource_type"` // job, tenant, budget_override, etc.
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Details      json.RawMessage `json:"details" db:"details"` // JSONB, redacted before write
	IPAddress    string          `json:"ip_address" db:"ip_address"`
	RequestID    string          `json:"request_id" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(tenantID uuid.UUID, action AuditAction, resourceType string) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Action:       action,
		Actor:        ActorSystem,
		ResourceType: resourceType,
		Details:      json.RawMessage(`{}`),
		Timestamp:    time.Now().UTC(),
	}
}

// WithActor sets who performed the action
func (a *AuditLog) WithActor(actor string) *AuditLog {
	if actor != "" {
		a.Actor = actor
	}
	return a
}

// WithResource sets the resource ID
func (a *AuditLog) WithResource(resourceID uuid.UUID) *AuditLog {
	a.ResourceID = &resourceID
	return a
}

// WithDetails sets the details after removing secrets
func (a *AuditLog) WithDetails(details map[string]interface{}) *AuditLog {
	if data, err := json.Marshal(Redact(details)); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	return a
}

// WithError records a redacted error summary in the details
func (a *AuditLog) WithError(err error) *AuditLog {
	if err == nil {
		return a
	}
	details := map[string]interface{}{}
	if len(a.Details) > 0 {
		_ = json.Unmarshal(a.Details, &details)
	}
	details["error"] = RedactString(err.Error())
	if data, mErr := json.Marshal(details); mErr == nil {
		a.Details = data
	}
	return a
}
