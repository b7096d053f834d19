package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultBudgetWindow is the spend window applied when a tenant does not configure one
const DefaultBudgetWindow = 24 * time.Hour

// ContextSource names a source the worker can consult while gathering context
type ContextSource string

const (
	ContextSourceHistory    ContextSource = "history"
	ContextSourceKnowledge  ContextSource = "knowledge"
	ContextSourceMonitoring ContextSource = "monitoring"
)

// Preferences holds the per-tenant enhancement configuration
type Preferences struct {
	Model          string          `json:"model,omitempty" yaml:"model"`
	Temperature    float64         `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Language       string          `json:"language,omitempty" yaml:"language"`
	ContextSources []ContextSource `json:"context_sources,omitempty" yaml:"context_sources"`
	HistoryLimit   int             `json:"history_limit,omitempty" yaml:"history_limit"`
}

// SourceEnabled reports whether a context source is enabled. An empty list enables every source.
func (p Preferences) SourceEnabled(source ContextSource) bool {
	if len(p.ContextSources) == 0 {
		return true
	}
	for _, s := range p.ContextSources {
		if s == source {
			return true
		}
	}
	return false
}

// Tenant represents an isolated customer organization sharing the deployment
type Tenant struct {
	ID      uuid.UUID `json:"id" db:"id"`
	Name    string    `json:"name" db:"name"`
	BaseURL string    `json:"base_url" db:"base_url"` // ticketing system base URL

	// Sealed secrets (age ciphertext, base64). Never serialized.
	APICredentialSealed string `json:"-" db:"api_credential_sealed"`
	WebhookSecretSealed string `json:"-" db:"webhook_secret_sealed"`

	Preferences        Preferences `json:"preferences" db:"preferences"`
	RateLimitPerMinute int         `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`

	// Budget state shared between workers and the budget sweeps
	BaseBudgetLimit      float64       `json:"base_budget_limit" db:"base_budget_limit"`
	EffectiveBudgetLimit float64       `json:"effective_budget_limit" db:"effective_budget_limit"`
	CurrentSpend         float64       `json:"current_spend" db:"current_spend"`
	BudgetWindow         time.Duration `json:"budget_window" db:"budget_window_seconds"`
	BudgetWindowStart    time.Time     `json:"budget_window_start" db:"budget_window_start"`
	BudgetWindowEnd      time.Time     `json:"budget_window_end" db:"budget_window_end"`

	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// NewTenant creates a new active Tenant with its first budget window starting now
func NewTenant(name, baseURL string, budgetLimit float64, window time.Duration) *Tenant {
	if window <= 0 {
		window = DefaultBudgetWindow
	}
	now := time.Now().UTC()
	return &Tenant{
		ID:                   uuid.New(),
		Name:                 name,
		BaseURL:              baseURL,
		BaseBudgetLimit:      budgetLimit,
		EffectiveBudgetLimit: budgetLimit,
		BudgetWindow:         window,
		BudgetWindowStart:    now,
		BudgetWindowEnd:      now.Add(window),
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// BudgetExhausted reports whether the tenant has no spend left in the current window.
// A zero effective limit means unlimited.
func (t *Tenant) BudgetExhausted() bool {
	if t.EffectiveBudgetLimit <= 0 {
		return false
	}
	return t.CurrentSpend >= t.EffectiveBudgetLimit
}

// WindowElapsed reports whether the budget window has ended at the given time
func (t *Tenant) WindowElapsed(now time.Time) bool {
	return !now.Before(t.BudgetWindowEnd)
}

// AdvanceWindow resets spend and starts a new window at now
func (t *Tenant) AdvanceWindow(now time.Time) {
	window := t.BudgetWindow
	if window <= 0 {
		window = DefaultBudgetWindow
	}
	t.CurrentSpend = 0
	t.BudgetWindowStart = now
	t.BudgetWindowEnd = now.Add(window)
	t.UpdatedAt = now
}

// PreferencesJSON returns the preferences encoded for a JSONB column
func (t *Tenant) PreferencesJSON() ([]byte, error) {
	return json.Marshal(t.Preferences)
}
