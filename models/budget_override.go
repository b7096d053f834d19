package models

import (
	"time"

	"github.com/google/uuid"
)

// BudgetOverride is a temporary, time-bounded increase to a tenant's spend limit.
// A tenant has at most one active override; granting another replaces it.
type BudgetOverride struct {
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Amount    float64   `json:"amount" db:"amount"`
	Reason    string    `json:"reason" db:"reason"`
	GrantedBy string    `json:"granted_by" db:"granted_by"`
	GrantedAt time.Time `json:"granted_at" db:"granted_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the BudgetOverride model
func (BudgetOverride) TableName() string {
	return "budget_overrides"
}

// NewBudgetOverride creates an override granted now
func NewBudgetOverride(tenantID uuid.UUID, amount float64, expiresAt time.Time, reason, grantedBy string) *BudgetOverride {
	return &BudgetOverride{
		TenantID:  tenantID,
		Amount:    amount,
		Reason:    reason,
		GrantedBy: grantedBy,
		GrantedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
}

// Expired reports whether the override has passed its expiry at now
func (o *BudgetOverride) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
