// Package repotest provides an in-memory implementation of the repository interfaces.
//
// The store enforces the same visibility rules as the Postgres row-level security
// policies: inside a tenant scope only that tenant's rows are visible or writable, and
// outside a scope every tenant-scoped call fails with ErrTenantContextRequired. A failed
// scope rolls back every change it made. Leak can be switched on to simulate a broken
// policy so that runtime isolation checks can be exercised.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
)

// ErrPolicyViolation mirrors the error returned by WITH CHECK policies
var ErrPolicyViolation = errors.New("new row violates row-level security policy")

type scopeKey struct{}

type auditRow struct {
	seq int64
	log *models.AuditLog
}

// Store is an in-memory tenant-isolated data store
type Store struct {
	mu        sync.Mutex
	tenants   map[uuid.UUID]*models.Tenant
	jobs      map[uuid.UUID]*models.EnhancementJob
	overrides map[uuid.UUID]*models.BudgetOverride
	audits    []auditRow
	auditSeq  int64

	tenantLocks sync.Map // uuid.UUID -> *sync.Mutex
	errs        map[string]error
	leak        bool
	scopes      int
}

// New creates an empty Store
func New() *Store {
	return &Store{
		tenants:   make(map[uuid.UUID]*models.Tenant),
		jobs:      make(map[uuid.UUID]*models.EnhancementJob),
		overrides: make(map[uuid.UUID]*models.BudgetOverride),
		errs:      make(map[string]error),
	}
}

// Repositories returns the repository aggregate backed by the store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Scope:     s,
		Registry:  registry{s},
		Tenants:   tenantRepo{s},
		Jobs:      jobRepo{s},
		Overrides: overrideRepo{s},
		AuditLogs: auditRepo{s},
		Probe:     probe{s},
	}
}

// SetError makes the named operation (e.g. "jobs.Create") fail with err until cleared with nil
func (s *Store) SetError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// SetLeak disables tenant filtering on reads, simulating a missing policy
func (s *Store) SetLeak(leak bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leak = leak
}

// ScopeCount returns how many tenant scopes have been opened
func (s *Store) ScopeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes
}

// PutTenant stores a tenant directly, bypassing scopes
func (s *Store) PutTenant(t *models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = copyTenant(t)
}

// PutJob stores a job directly, bypassing scopes
func (s *Store) PutJob(j *models.EnhancementJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = copyJob(j)
}

// PutOverride stores an override directly, bypassing scopes
func (s *Store) PutOverride(o *models.BudgetOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.overrides[o.TenantID] = &cp
}

// Tenant returns a copy of the stored tenant
func (s *Store) Tenant(id uuid.UUID) *models.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[id]; ok {
		return copyTenant(t)
	}
	return nil
}

// Job returns a copy of the stored job
func (s *Store) Job(id uuid.UUID) *models.EnhancementJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return copyJob(j)
	}
	return nil
}

// JobCount returns the number of stored jobs across all tenants
func (s *Store) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Override returns a copy of the tenant's override
func (s *Store) Override(tenantID uuid.UUID) *models.BudgetOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.overrides[tenantID]; ok {
		cp := *o
		return &cp
	}
	return nil
}

// AuditLogs returns the tenant's audit entries of the given action, or all entries when action is empty
func (s *Store) AuditLogs(tenantID uuid.UUID, action models.AuditAction) []*models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditLog
	for _, row := range s.audits {
		a := row.log
		if a.TenantID == tenantID && (action == "" || a.Action == action) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// WithTenantContext runs fn with tenantID's rows visible. Scopes for the same tenant are
// serialized, standing in for the row locks held by a Postgres transaction.
func (s *Store) WithTenantContext(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) (err error) {
	if current, ok := ctx.Value(scopeKey{}).(uuid.UUID); ok {
		if current != tenantID {
			return &repositories.IsolationViolationError{Table: "tenant_scope", Expected: current, Observed: tenantID}
		}
		return fn(ctx)
	}
	if err := s.fail("scope"); err != nil {
		return err
	}

	lock, _ := s.tenantLocks.LoadOrStore(tenantID, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	s.mu.Lock()
	s.scopes++
	snap := s.snapshot(tenantID)
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(tenantID, snap)
			panic(p)
		}
		if err != nil {
			s.restore(tenantID, snap)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(context.WithValue(ctx, scopeKey{}, tenantID))
}

type snapshot struct {
	tenant   *models.Tenant
	jobs     map[uuid.UUID]*models.EnhancementJob
	override *models.BudgetOverride
	auditSeq int64
}

// must be called with mu held
func (s *Store) snapshot(tenantID uuid.UUID) snapshot {
	snap := snapshot{jobs: make(map[uuid.UUID]*models.EnhancementJob), auditSeq: s.auditSeq}
	if t, ok := s.tenants[tenantID]; ok {
		snap.tenant = copyTenant(t)
	}
	for id, j := range s.jobs {
		if j.TenantID == tenantID {
			snap.jobs[id] = copyJob(j)
		}
	}
	if o, ok := s.overrides[tenantID]; ok {
		cp := *o
		snap.override = &cp
	}
	return snap
}

func (s *Store) restore(tenantID uuid.UUID, snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tenants, tenantID)
	if snap.tenant != nil {
		s.tenants[tenantID] = snap.tenant
	}
	for id, j := range s.jobs {
		if j.TenantID == tenantID {
			delete(s.jobs, id)
		}
	}
	for id, j := range snap.jobs {
		s.jobs[id] = j
	}
	delete(s.overrides, tenantID)
	if snap.override != nil {
		s.overrides[tenantID] = snap.override
	}

	kept := make([]auditRow, 0, len(s.audits))
	for _, row := range s.audits {
		if row.seq > snap.auditSeq && row.log.TenantID == tenantID {
			continue
		}
		kept = append(kept, row)
	}
	s.audits = kept
}

func (s *Store) tenantOf(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(scopeKey{}).(uuid.UUID)
	if !ok {
		return uuid.Nil, repositories.ErrTenantContextRequired
	}
	return id, nil
}

func (s *Store) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[op]
}

// begin resolves the scope and injected failure for op and locks the store
func (s *Store) begin(ctx context.Context, op string) (uuid.UUID, error) {
	scope, err := s.tenantOf(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.fail(op); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	return scope, nil
}

// registry lists active tenants without a scope, like the SECURITY DEFINER function
type registry struct{ s *Store }

func (r registry) ListActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := r.s.fail("registry.ListActiveTenantIDs"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ids []uuid.UUID
	for id, t := range r.s.tenants {
		if t.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

type tenantRepo struct{ s *Store }

func (r tenantRepo) Create(ctx context.Context, tenant *models.Tenant) error {
	scope, err := r.s.begin(ctx, "tenants.Create")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if tenant.ID != scope {
		return ErrPolicyViolation
	}
	if _, exists := r.s.tenants[tenant.ID]; exists {
		return repositories.ErrConflict
	}
	for _, t := range r.s.tenants {
		if strings.EqualFold(t.Name, tenant.Name) {
			return repositories.ErrConflict
		}
	}
	r.s.tenants[tenant.ID] = copyTenant(tenant)
	return nil
}

func (r tenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	scope, err := r.s.begin(ctx, "tenants.GetByID")
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	t, ok := r.s.tenants[id]
	if !ok || (id != scope && !r.s.leak) {
		return nil, fmt.Errorf("tenant %s: %w", id, repositories.ErrNotFound)
	}
	if err := repositories.CheckTenant("tenants", scope, t.ID); err != nil {
		return nil, err
	}
	return copyTenant(t), nil
}

func (r tenantRepo) LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.GetByID(ctx, id)
}

func (r tenantRepo) visible(ctx context.Context, op string, id uuid.UUID) (*models.Tenant, error) {
	scope, err := r.s.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	t, ok := r.s.tenants[id]
	if !ok || id != scope {
		r.s.mu.Unlock()
		return nil, fmt.Errorf("tenant %s: %w", id, repositories.ErrNotFound)
	}
	return t, nil
}

func (r tenantRepo) Update(ctx context.Context, tenant *models.Tenant) error {
	t, err := r.visible(ctx, "tenants.Update", tenant.ID)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	t.Name = tenant.Name
	t.BaseURL = tenant.BaseURL
	t.APICredentialSealed = tenant.APICredentialSealed
	t.WebhookSecretSealed = tenant.WebhookSecretSealed
	t.Preferences = tenant.Preferences
	t.RateLimitPerMinute = tenant.RateLimitPerMinute
	t.BaseBudgetLimit = tenant.BaseBudgetLimit
	t.BudgetWindow = tenant.BudgetWindow
	t.IsActive = tenant.IsActive
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r tenantRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	t, err := r.visible(ctx, "tenants.SoftDelete", id)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	t.IsActive = false
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r tenantRepo) AddSpend(ctx context.Context, id uuid.UUID, amount float64) (float64, error) {
	t, err := r.visible(ctx, "tenants.AddSpend", id)
	if err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	t.CurrentSpend += amount
	return t.CurrentSpend, nil
}

func (r tenantRepo) SaveBudgetWindow(ctx context.Context, tenant *models.Tenant) error {
	t, err := r.visible(ctx, "tenants.SaveBudgetWindow", tenant.ID)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	t.CurrentSpend = tenant.CurrentSpend
	t.BudgetWindowStart = tenant.BudgetWindowStart
	t.BudgetWindowEnd = tenant.BudgetWindowEnd
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r tenantRepo) SetEffectiveLimit(ctx context.Context, id uuid.UUID, limit float64) error {
	t, err := r.visible(ctx, "tenants.SetEffectiveLimit", id)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	t.EffectiveBudgetLimit = limit
	t.UpdatedAt = time.Now().UTC()
	return nil
}

type jobRepo struct{ s *Store }

func (r jobRepo) Create(ctx context.Context, job *models.EnhancementJob) error {
	scope, err := r.s.begin(ctx, "jobs.Create")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if job.TenantID != scope {
		return ErrPolicyViolation
	}
	if _, exists := r.s.jobs[job.ID]; exists {
		return repositories.ErrConflict
	}
	r.s.jobs[job.ID] = copyJob(job)
	return nil
}

func (r jobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EnhancementJob, error) {
	scope, err := r.s.begin(ctx, "jobs.GetByID")
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[id]
	if !ok || (j.TenantID != scope && !r.s.leak) {
		return nil, fmt.Errorf("job %s: %w", id, repositories.ErrNotFound)
	}
	if err := repositories.CheckTenant("enhancement_jobs", scope, j.TenantID); err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (r jobRepo) Update(ctx context.Context, job *models.EnhancementJob) error {
	scope, err := r.s.begin(ctx, "jobs.Update")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[job.ID]
	if !ok || j.TenantID != scope {
		return fmt.Errorf("job %s: %w", job.ID, repositories.ErrNotFound)
	}
	updated := copyJob(job)
	updated.TenantID = j.TenantID
	updated.Payload = j.Payload
	updated.CreatedAt = j.CreatedAt
	r.s.jobs[job.ID] = updated
	return nil
}

func (r jobRepo) List(ctx context.Context, filter repositories.JobFilter) ([]*models.EnhancementJob, error) {
	return r.query(ctx, "jobs.List", func(j *models.EnhancementJob) bool {
		return (filter.Status == "" || j.Status == filter.Status) &&
			(filter.TicketID == "" || j.TicketID == filter.TicketID)
	}, filter.Limit, filter.Offset)
}

func (r jobRepo) ListHistory(ctx context.Context, excludeTicketID string, limit int) ([]*models.EnhancementJob, error) {
	return r.query(ctx, "jobs.ListHistory", func(j *models.EnhancementJob) bool {
		return j.Status == models.JobStatusCompleted && j.TicketID != excludeTicketID
	}, limit, 0)
}

func (r jobRepo) query(ctx context.Context, op string, match func(*models.EnhancementJob) bool, limit, offset int) ([]*models.EnhancementJob, error) {
	scope, err := r.s.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var rows []*models.EnhancementJob
	for _, j := range r.s.jobs {
		if (j.TenantID == scope || r.s.leak) && match(j) {
			rows = append(rows, j)
		}
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].CreatedAt.After(rows[b].CreatedAt) })

	if offset > 0 {
		if offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[offset:]
		}
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*models.EnhancementJob, 0, len(rows))
	for _, j := range rows {
		if err := repositories.CheckTenant("enhancement_jobs", scope, j.TenantID); err != nil {
			return nil, err
		}
		out = append(out, copyJob(j))
	}
	return out, nil
}

type overrideRepo struct{ s *Store }

func (r overrideRepo) Upsert(ctx context.Context, override *models.BudgetOverride) error {
	scope, err := r.s.begin(ctx, "overrides.Upsert")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if override.TenantID != scope {
		return ErrPolicyViolation
	}
	cp := *override
	r.s.overrides[override.TenantID] = &cp
	return nil
}

func (r overrideRepo) Get(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error) {
	scope, err := r.s.begin(ctx, "overrides.Get")
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	o, ok := r.s.overrides[tenantID]
	if !ok || (tenantID != scope && !r.s.leak) {
		return nil, fmt.Errorf("budget override for %s: %w", tenantID, repositories.ErrNotFound)
	}
	if err := repositories.CheckTenant("budget_overrides", scope, o.TenantID); err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

func (r overrideRepo) LockForUpdate(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error) {
	return r.Get(ctx, tenantID)
}

func (r overrideRepo) Delete(ctx context.Context, tenantID uuid.UUID) error {
	scope, err := r.s.begin(ctx, "overrides.Delete")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if _, ok := r.s.overrides[tenantID]; !ok || tenantID != scope {
		return fmt.Errorf("budget override for %s: %w", tenantID, repositories.ErrNotFound)
	}
	delete(r.s.overrides, tenantID)
	return nil
}

type auditRepo struct{ s *Store }

func (r auditRepo) Insert(ctx context.Context, log *models.AuditLog) error {
	scope, err := r.s.begin(ctx, "audit.Insert")
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if log.TenantID != scope {
		return ErrPolicyViolation
	}
	cp := *log
	r.s.auditSeq++
	r.s.audits = append(r.s.audits, auditRow{seq: r.s.auditSeq, log: &cp})
	return nil
}

func (r auditRepo) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	scope, err := r.s.begin(ctx, "audit.List")
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var out []*models.AuditLog
	for i := len(r.s.audits) - 1; i >= 0; i-- {
		a := r.s.audits[i].log
		if a.TenantID != scope && !r.s.leak {
			continue
		}
		if filter.Action != "" && a.Action != filter.Action {
			continue
		}
		if filter.Since != nil && a.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && a.Timestamp.After(*filter.Until) {
			continue
		}
		if err := repositories.CheckTenant("audit_logs", scope, a.TenantID); err != nil {
			return nil, err
		}
		cp := *a
		out = append(out, &cp)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r auditRepo) CountByAction(ctx context.Context, action models.AuditAction) (int, error) {
	scope, err := r.s.begin(ctx, "audit.CountByAction")
	if err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()

	n := 0
	for _, row := range r.s.audits {
		if row.log.TenantID == scope && row.log.Action == action {
			n++
		}
	}
	return n, nil
}

type probe struct{ s *Store }

func (p probe) ForeignRowCounts(ctx context.Context) (map[string]int, error) {
	scope, err := p.s.begin(ctx, "probe.ForeignRowCounts")
	if err != nil {
		return nil, err
	}
	defer p.s.mu.Unlock()

	counts := map[string]int{"tenants": 0, "enhancement_jobs": 0, "budget_overrides": 0, "audit_logs": 0}
	if !p.s.leak {
		return counts, nil
	}
	for id := range p.s.tenants {
		if id != scope {
			counts["tenants"]++
		}
	}
	for _, j := range p.s.jobs {
		if j.TenantID != scope {
			counts["enhancement_jobs"]++
		}
	}
	for id := range p.s.overrides {
		if id != scope {
			counts["budget_overrides"]++
		}
	}
	for _, row := range p.s.audits {
		if row.log.TenantID != scope {
			counts["audit_logs"]++
		}
	}
	return counts, nil
}

func copyTenant(t *models.Tenant) *models.Tenant {
	cp := *t
	cp.Preferences.ContextSources = append([]models.ContextSource(nil), t.Preferences.ContextSources...)
	return &cp
}

func copyJob(j *models.EnhancementJob) *models.EnhancementJob {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	cp.UnavailableSources = append([]models.ContextSource(nil), j.UnavailableSources...)
	if j.Result != nil {
		v := *j.Result
		cp.Result = &v
	}
	if j.ErrorDetail != nil {
		v := *j.ErrorDetail
		cp.ErrorDetail = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
