package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tenant tests
func TestNewTenant(t *testing.T) {
	tenant := NewTenant("Acme", "https://sdp.acme.test", 100, 0)

	assert.NotEqual(t, uuid.Nil, tenant.ID)
	assert.Equal(t, "Acme", tenant.Name)
	assert.True(t, tenant.IsActive)
	assert.Equal(t, 100.0, tenant.BaseBudgetLimit)
	assert.Equal(t, 100.0, tenant.EffectiveBudgetLimit)
	assert.Equal(t, DefaultBudgetWindow, tenant.BudgetWindow)
	assert.Equal(t, tenant.BudgetWindowStart.Add(DefaultBudgetWindow), tenant.BudgetWindowEnd)
}

func TestTenant_TableName(t *testing.T) {
	assert.Equal(t, "tenants", Tenant{}.TableName())
}

func TestTenant_JSONMarshaling(t *testing.T) {
	tenant := NewTenant("Acme", "https://sdp.acme.test", 100, time.Hour)
	tenant.APICredentialSealed = "sealed-credential"
	tenant.WebhookSecretSealed = "sealed-webhook"

	data, err := json.Marshal(tenant)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "sealed-credential")
	assert.NotContains(t, string(data), "sealed-webhook")
	assert.NotContains(t, string(data), "api_credential")
}

func TestTenant_BudgetExhausted(t *testing.T) {
	tenant := NewTenant("Acme", "", 100, time.Hour)

	tenant.CurrentSpend = 99.99
	assert.False(t, tenant.BudgetExhausted())

	tenant.CurrentSpend = 100
	assert.True(t, tenant.BudgetExhausted())

	tenant.EffectiveBudgetLimit = 0
	assert.False(t, tenant.BudgetExhausted(), "zero limit is unlimited")
}

func TestTenant_AdvanceWindow(t *testing.T) {
	tenant := NewTenant("Acme", "", 100, time.Hour)
	tenant.CurrentSpend = 42

	now := tenant.BudgetWindowEnd
	assert.True(t, tenant.WindowElapsed(now))

	tenant.AdvanceWindow(now)
	assert.Equal(t, 0.0, tenant.CurrentSpend)
	assert.Equal(t, now, tenant.BudgetWindowStart)
	assert.Equal(t, now.Add(time.Hour), tenant.BudgetWindowEnd)
	assert.False(t, tenant.WindowElapsed(now))
}

func TestPreferences_SourceEnabled(t *testing.T) {
	assert.True(t, Preferences{}.SourceEnabled(ContextSourceMonitoring))

	p := Preferences{ContextSources: []ContextSource{ContextSourceHistory}}
	assert.True(t, p.SourceEnabled(ContextSourceHistory))
	assert.False(t, p.SourceEnabled(ContextSourceKnowledge))
}

// Job tests
func TestNextPhase_HappyPath(t *testing.T) {
	phase := PhaseReceived
	for _, event := range []JobEvent{EventStart, EventContextGathered, EventSynthesized, EventWrittenBack} {
		next, err := NextPhase(phase, event)
		require.NoError(t, err)
		phase = next
	}
	assert.Equal(t, PhaseCompleted, phase)
	assert.Equal(t, JobStatusCompleted, StatusForPhase(phase))
}

func TestNextPhase_FailureFromAnyNonTerminal(t *testing.T) {
	for _, phase := range []JobPhase{PhaseReceived, PhaseContextGathering, PhaseSynthesis, PhaseWriteBack} {
		next, err := NextPhase(phase, EventPermanentFailure)
		require.NoError(t, err)
		assert.Equal(t, PhaseFailed, next)

		next, err = NextPhase(phase, EventRetriesExhausted)
		require.NoError(t, err)
		assert.Equal(t, PhaseDeadLettered, next)
	}
}

func TestNextPhase_RejectsInvalid(t *testing.T) {
	_, err := NextPhase(PhaseReceived, EventSynthesized)
	assert.Error(t, err)

	for _, terminal := range []JobPhase{PhaseCompleted, PhaseFailed, PhaseDeadLettered} {
		next, err := NextPhase(terminal, EventStart)
		assert.Error(t, err)
		assert.Equal(t, terminal, next)
	}
}

func TestNewEnhancementJob(t *testing.T) {
	tenantID := uuid.New()
	ticket := &TicketPayload{TicketID: "T-1", Subject: "printer on fire"}
	raw, err := json.Marshal(ticket)
	require.NoError(t, err)

	job := NewEnhancementJob(tenantID, ticket, raw)
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, tenantID, job.TenantID)
	assert.Equal(t, "T-1", job.TicketID)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, PhaseReceived, job.Phase)
	assert.Equal(t, "enhancement_jobs", job.TableName())

	decoded, err := job.Ticket()
	require.NoError(t, err)
	assert.Equal(t, "printer on fire", decoded.Subject)
}

func TestEnhancementJob_FinishRedactsError(t *testing.T) {
	job := &EnhancementJob{Status: JobStatusProcessing}
	job.Finish(PhaseFailed, time.Now(), "upstream said: Bearer abc.def.ghi rejected")

	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorDetail)
	assert.NotContains(t, *job.ErrorDetail, "abc.def.ghi")
	assert.NotNil(t, job.CompletedAt)
}

// BudgetOverride tests
func TestBudgetOverride_Expired(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	o := NewBudgetOverride(uuid.New(), 200, expires, "quarter end", "ops@acme.test")

	assert.Equal(t, "budget_overrides", o.TableName())
	assert.False(t, o.Expired(expires.Add(-time.Second)))
	assert.True(t, o.Expired(expires))
	assert.True(t, o.Expired(expires.Add(time.Second)))
}

// AuditLog tests
func TestNewAuditLog(t *testing.T) {
	tenantID := uuid.New()
	log := NewAuditLog(tenantID, AuditActionBudgetReset, "tenant")

	assert.NotEqual(t, uuid.Nil, log.ID)
	assert.Equal(t, tenantID, log.TenantID)
	assert.Equal(t, ActorSystem, log.Actor)
	assert.Equal(t, "audit_logs", log.TableName())
	assert.False(t, log.Timestamp.IsZero())
}

func TestAuditLog_BuilderPattern(t *testing.T) {
	resourceID := uuid.New()
	log := NewAuditLog(uuid.New(), AuditActionJobFailed, "job").
		WithActor(ActorWorker).
		WithResource(resourceID).
		WithDetails(map[string]interface{}{"reason": "budget_exhausted", "api_token": "sk-abcdefghijkl"}).
		WithRequest("req-1", "10.0.0.1").
		WithError(errors.New("ticketing returned 500 for password=hunter2"))

	assert.Equal(t, ActorWorker, log.Actor)
	assert.Equal(t, resourceID, *log.ResourceID)
	assert.Equal(t, "req-1", log.RequestID)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(log.Details, &details))
	assert.Equal(t, "budget_exhausted", details["reason"])
	assert.Equal(t, "[REDACTED]", details["api_token"])
	assert.NotContains(t, details["error"], "hunter2")
}

func TestRedact(t *testing.T) {
	in := map[string]interface{}{
		"secret": "s3cr3t",
		"nested": map[string]interface{}{"Authorization": "Bearer xyz", "ok": "fine"},
		"list":   []interface{}{"sk-0123456789abcdef", 3},
		"note":   "plain",
	}
	out := Redact(in)

	assert.Equal(t, "[REDACTED]", out["secret"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["Authorization"])
	assert.Equal(t, "fine", nested["ok"])
	list := out["list"].([]interface{})
	assert.Equal(t, "[REDACTED]", list[0])
	assert.Equal(t, 3, list[1])
	assert.Equal(t, "plain", out["note"])
	assert.Equal(t, "s3cr3t", in["secret"], "input is not mutated")
	assert.Nil(t, Redact(nil))
}
