package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/models"
)

var (
	// ErrTenantContextRequired is returned when a tenant-scoped repository is used outside WithTenantContext
	ErrTenantContextRequired = errors.New("tenant context required")

	// ErrNotFound is returned when a row is not visible under the current tenant context
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on unique constraint violations
	ErrConflict = errors.New("conflict")
)

// IsolationViolationError reports a row observed under one tenant's context that belongs to another.
// It indicates the storage-layer policy is not doing its job and must halt processing.
type IsolationViolationError struct {
	Table    string
	Expected uuid.UUID
	Observed uuid.UUID
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("isolation violation on %s: expected tenant %s, observed %s", e.Table, e.Expected, e.Observed)
}

// IsIsolationViolation reports whether err wraps an IsolationViolationError
func IsIsolationViolation(err error) bool {
	var target *IsolationViolationError
	return errors.As(err, &target)
}

// CheckTenant returns an IsolationViolationError when observed differs from the scope's tenant
func CheckTenant(table string, expected, observed uuid.UUID) error {
	if expected != observed {
		return &IsolationViolationError{Table: table, Expected: expected, Observed: observed}
	}
	return nil
}

// TenantScope establishes a tenant context around a unit of work.
// The context is established on a dedicated connection and always cleared before the
// connection is reused, whether fn succeeds, fails, panics or the context is cancelled.
type TenantScope interface {
	// WithTenantContext runs fn in a transaction whose row visibility is restricted to tenantID.
	// fn's error rolls the transaction back and is returned unchanged.
	WithTenantContext(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
}

// TenantRegistry lists tenants without a tenant context. It returns identifiers only.
type TenantRegistry interface {
	ListActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// TenantRepository handles tenant data operations. All methods require a tenant context.
type TenantRepository interface {
	// Create inserts a new tenant; the scope must be the new tenant's ID
	Create(ctx context.Context, tenant *models.Tenant) error

	// GetByID retrieves the tenant visible under the current context
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// LockForUpdate retrieves the tenant and holds its row lock until the scope ends
	LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// Update updates mutable tenant configuration
	Update(ctx context.Context, tenant *models.Tenant) error

	// SoftDelete marks the tenant inactive
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// AddSpend atomically increments spend and returns the new total
	AddSpend(ctx context.Context, id uuid.UUID, amount float64) (float64, error)

	// SaveBudgetWindow persists spend and the budget window bounds
	SaveBudgetWindow(ctx context.Context, tenant *models.Tenant) error

	// SetEffectiveLimit sets the limit enforced by workers
	SetEffectiveLimit(ctx context.Context, id uuid.UUID, limit float64) error
}

// JobFilter narrows job listings
type JobFilter struct {
	Status   models.JobStatus
	TicketID string
	Limit    int
	Offset   int
}

// JobRepository handles enhancement job data operations. All methods require a tenant context.
type JobRepository interface {
	// Create inserts a new job
	Create(ctx context.Context, job *models.EnhancementJob) error

	// GetByID retrieves a job by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.EnhancementJob, error)

	// Update persists status, phase, attempts, result and timestamps
	Update(ctx context.Context, job *models.EnhancementJob) error

	// List retrieves jobs matching the filter, newest first
	List(ctx context.Context, filter JobFilter) ([]*models.EnhancementJob, error)

	// ListHistory retrieves recently completed jobs other than excludeTicketID
	ListHistory(ctx context.Context, excludeTicketID string, limit int) ([]*models.EnhancementJob, error)
}

// BudgetOverrideRepository handles budget override data operations. All methods require a tenant context.
type BudgetOverrideRepository interface {
	// Upsert replaces the tenant's active override
	Upsert(ctx context.Context, override *models.BudgetOverride) error

	// Get returns the active override or ErrNotFound
	Get(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error)

	// LockForUpdate returns the active override and holds its row lock, or ErrNotFound
	LockForUpdate(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error)

	// Delete removes the tenant's override
	Delete(ctx context.Context, tenantID uuid.UUID) error
}

// AuditFilter narrows audit listings
type AuditFilter struct {
	Action models.AuditAction
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// AuditRepository handles audit log data operations. Entries are append-only.
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// List retrieves audit logs for the current tenant, newest first
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)

	// CountByAction counts entries of a kind for the current tenant
	CountByAction(ctx context.Context, action models.AuditAction) (int, error)
}

// IsolationProbe runs unfiltered counts under a tenant context
type IsolationProbe interface {
	// ForeignRowCounts returns, per tenant-scoped table, the number of visible rows
	// whose tenant differs from the current context. Every value should be zero.
	ForeignRowCounts(ctx context.Context) (map[string]int, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Scope     TenantScope
	Registry  TenantRegistry
	Tenants   TenantRepository
	Jobs      JobRepository
	Overrides BudgetOverrideRepository
	AuditLogs AuditRepository
	Probe     IsolationProbe
}
