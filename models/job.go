package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the persisted lifecycle state of an enhancement job
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusDeadLettered
}

// JobPhase is the in-flight phase of a job inside a worker
type JobPhase string

const (
	PhaseReceived         JobPhase = "received"
	PhaseContextGathering JobPhase = "context_gathering"
	PhaseSynthesis        JobPhase = "synthesis"
	PhaseWriteBack        JobPhase = "write_back"
	PhaseCompleted        JobPhase = "completed"
	PhaseFailed           JobPhase = "failed"
	PhaseDeadLettered     JobPhase = "dead_lettered"
)

// JobEvent drives the phase machine
type JobEvent string

const (
	EventStart            JobEvent = "start"
	EventContextGathered  JobEvent = "context_gathered"
	EventSynthesized      JobEvent = "synthesized"
	EventWrittenBack      JobEvent = "written_back"
	EventPermanentFailure JobEvent = "permanent_failure"
	EventRetriesExhausted JobEvent = "retries_exhausted"
)

var phaseTransitions = map[JobPhase]map[JobEvent]JobPhase{
	PhaseReceived:         {EventStart: PhaseContextGathering},
	PhaseContextGathering: {EventContextGathered: PhaseSynthesis},
	PhaseSynthesis:        {EventSynthesized: PhaseWriteBack},
	PhaseWriteBack:        {EventWrittenBack: PhaseCompleted},
}

// IsTerminal reports whether the phase ends the job
func (p JobPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseDeadLettered
}

// NextPhase returns the phase reached from current on event.
// Failure events are accepted from every non-terminal phase.
func NextPhase(current JobPhase, event JobEvent) (JobPhase, error) {
	if current.IsTerminal() {
		return current, fmt.Errorf("job phase %s is terminal", current)
	}
	switch event {
	case EventPermanentFailure:
		return PhaseFailed, nil
	case EventRetriesExhausted:
		return PhaseDeadLettered, nil
	}
	if next, ok := phaseTransitions[current][event]; ok {
		return next, nil
	}
	return current, fmt.Errorf("invalid job transition: %s on %s", current, event)
}

// StatusForPhase maps a phase to the persisted status
func StatusForPhase(p JobPhase) JobStatus {
	switch p {
	case PhaseCompleted:
		return JobStatusCompleted
	case PhaseFailed:
		return JobStatusFailed
	case PhaseDeadLettered:
		return JobStatusDeadLettered
	default:
		return JobStatusProcessing
	}
}

// TicketPayload is the normalized inbound webhook body
type TicketPayload struct {
	TicketID    string     `json:"ticket_id" validate:"required,max=128"`
	Subject     string     `json:"subject" validate:"required,max=500"`
	Description string     `json:"description" validate:"max=65536"`
	Priority    string     `json:"priority,omitempty" validate:"omitempty,max=64"`
	Status      string     `json:"status,omitempty" validate:"omitempty,max=64"`
	Requester   string     `json:"requester,omitempty" validate:"omitempty,max=255"`
	Category    string     `json:"category,omitempty" validate:"omitempty,max=255"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// EnhancementJob represents one unit of enhancement work for a single ticket
type EnhancementJob struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	TenantID           uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	TicketID           string          `json:"ticket_id" db:"ticket_id"`
	Payload            json.RawMessage `json:"payload" db:"payload"`
	Status             JobStatus       `json:"status" db:"status"`
	Phase              JobPhase        `json:"phase" db:"phase"`
	AttemptCount       int             `json:"attempt_count" db:"attempt_count"`
	UnavailableSources []ContextSource `json:"unavailable_sources,omitempty" db:"unavailable_sources"`
	Result             *string         `json:"result,omitempty" db:"result"`
	Cost               float64         `json:"cost" db:"cost"`
	ErrorDetail        *string         `json:"error_detail,omitempty" db:"error_detail"` // redacted
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// TableName returns the table name for the EnhancementJob model
func (EnhancementJob) TableName() string {
	return "enhancement_jobs"
}

// NewEnhancementJob creates a queued job for a tenant's ticket
func NewEnhancementJob(tenantID uuid.UUID, ticket *TicketPayload, raw json.RawMessage) *EnhancementJob {
	return &EnhancementJob{
		ID:        uuid.New(),
		TenantID:  tenantID,
		TicketID:  ticket.TicketID,
		Payload:   raw,
		Status:    JobStatusQueued,
		Phase:     PhaseReceived,
		CreatedAt: time.Now().UTC(),
	}
}

// Ticket decodes the payload snapshot
func (j *EnhancementJob) Ticket() (*TicketPayload, error) {
	var t TicketPayload
	if err := json.Unmarshal(j.Payload, &t); err != nil {
		return nil, fmt.Errorf("failed to decode ticket payload: %w", err)
	}
	return &t, nil
}

// Start marks the job as picked up by a worker
func (j *EnhancementJob) Start(now time.Time) {
	j.Status = JobStatusProcessing
	j.Phase = PhaseReceived
	j.AttemptCount++
	j.StartedAt = &now
}

// Finish records a terminal phase with an optional redacted error
func (j *EnhancementJob) Finish(phase JobPhase, now time.Time, errDetail string) {
	j.Phase = phase
	j.Status = StatusForPhase(phase)
	j.CompletedAt = &now
	if errDetail != "" {
		redacted := RedactString(errDetail)
		j.ErrorDetail = &redacted
	}
}
