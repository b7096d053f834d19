package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/middleware"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/budget"
	"github.com/upb/ticket-enhancer/services/isolation"
	"github.com/upb/ticket-enhancer/services/queue"
	"github.com/upb/ticket-enhancer/services/tenants"
	"github.com/upb/ticket-enhancer/utils"
	"go.uber.org/zap"
)

const adminMaxBodyBytes = 64 << 10

// TenantManager defines the tenant lifecycle operations used by the admin API
type TenantManager interface {
	Create(ctx context.Context, req *tenants.CreateRequest, actor string) (*models.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Update(ctx context.Context, id uuid.UUID, req *tenants.UpdateRequest, actor string) (*models.Tenant, error)
	Deactivate(ctx context.Context, id uuid.UUID, actor string) error
}

// JobManager defines the job inspection and replay operations used by the admin API
type JobManager interface {
	Get(ctx context.Context, tenantID, jobID uuid.UUID) (*models.EnhancementJob, error)
	List(ctx context.Context, tenantID uuid.UUID, filter repositories.JobFilter) ([]*models.EnhancementJob, error)
	AuditLogs(ctx context.Context, tenantID uuid.UUID, filter repositories.AuditFilter) ([]*models.AuditLog, error)
	DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error)
	Depth(ctx context.Context) (queue.Depth, error)
	Replay(ctx context.Context, tenantID, jobID uuid.UUID, actor string) (*models.EnhancementJob, error)
}

// OverrideGranter grants temporary budget increases
type OverrideGranter interface {
	GrantOverride(ctx context.Context, tenantID uuid.UUID, req budget.GrantRequest, grantedBy string) (*models.BudgetOverride, error)
}

// IsolationController exposes the isolation halt flag
type IsolationController interface {
	Status() isolation.Status
	Clear(ctx context.Context, by string) (isolation.Status, error)
}

// SweepRunner runs a budget sweep on demand
type SweepRunner interface {
	RunSweep(ctx context.Context, name string) (budget.SweepReport, bool, error)
}

// AdminHandler handles the operator API under /api/v1/admin
type AdminHandler struct {
	tenants   TenantManager
	jobs      JobManager
	overrides OverrideGranter
	isolation IsolationController
	sweeps    SweepRunner
	logger    *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. sweeps may be nil, which disables on-demand sweeps.
func NewAdminHandler(tenantManager TenantManager, jobs JobManager, overrides OverrideGranter, isolationController IsolationController, sweeps SweepRunner, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		tenants:   tenantManager,
		jobs:      jobs,
		overrides: overrides,
		isolation: isolationController,
		sweeps:    sweeps,
		logger:    logger,
	}
}

// HandleCreateTenant handles POST /api/v1/admin/tenants
func (h *AdminHandler) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tenants.CreateRequest
	if err := utils.DecodeJSON(r, adminMaxBodyBytes, &req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	tenant, err := h.tenants.Create(ctx, &req, middleware.Actor(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, tenant)
}

// HandleGetTenant handles GET /api/v1/admin/tenants/{tenantID}
func (h *AdminHandler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	tenant, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tenant)
}

// HandleUpdateTenant handles PATCH /api/v1/admin/tenants/{tenantID}
func (h *AdminHandler) HandleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	var req tenants.UpdateRequest
	if err := utils.DecodeJSON(r, adminMaxBodyBytes, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	tenant, err := h.tenants.Update(r.Context(), tenantID, &req, middleware.Actor(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, tenant)
}

// HandleDeactivateTenant handles DELETE /api/v1/admin/tenants/{tenantID}
func (h *AdminHandler) HandleDeactivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	if err := h.tenants.Deactivate(r.Context(), tenantID, middleware.Actor(r.Context())); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleGrantOverride handles PUT /api/v1/admin/tenants/{tenantID}/budget-override
func (h *AdminHandler) HandleGrantOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}

	var req budget.GrantRequest
	if err := utils.DecodeJSON(r, adminMaxBodyBytes, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	override, err := h.overrides.GrantOverride(ctx, tenantID, req, middleware.Actor(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, override)
}

// HandleListJobs handles GET /api/v1/admin/tenants/{tenantID}/jobs
func (h *AdminHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset, err := pagination(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	jobs, err := h.jobs.List(r.Context(), tenantID, repositories.JobFilter{
		Status:   models.JobStatus(q.Get("status")),
		TicketID: q.Get("ticket_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, jobs)
}

// HandleGetJob handles GET /api/v1/admin/tenants/{tenantID}/jobs/{jobID}
func (h *AdminHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	jobID, err := utils.ParseUUID("job_id", chi.URLParam(r, "jobID"))
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	job, err := h.jobs.Get(r.Context(), tenantID, jobID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, job)
}

// HandleReplayJob handles POST /api/v1/admin/tenants/{tenantID}/jobs/{jobID}/replay and
// POST /api/v1/admin/dead-letters/{jobID}/replay?tenant_id=
func (h *AdminHandler) HandleReplayJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	jobID, err := utils.ParseUUID("job_id", chi.URLParam(r, "jobID"))
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	job, err := h.jobs.Replay(ctx, tenantID, jobID, middleware.Actor(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteAccepted(w, job)
}

// HandleListAuditLogs handles GET /api/v1/admin/tenants/{tenantID}/audit-logs
func (h *AdminHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset, err := pagination(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	filter := repositories.AuditFilter{
		Action: models.AuditAction(q.Get("action")),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Since, err = timeParam(q.Get("since")); err != nil {
		_ = utils.WriteBadRequest(w, "since must be an RFC3339 timestamp", nil)
		return
	}
	if filter.Until, err = timeParam(q.Get("until")); err != nil {
		_ = utils.WriteBadRequest(w, "until must be an RFC3339 timestamp", nil)
		return
	}

	logs, err := h.jobs.AuditLogs(r.Context(), tenantID, filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, logs)
}

// HandleQueueDepth handles GET /api/v1/admin/queue
func (h *AdminHandler) HandleQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.jobs.Depth(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, depth)
}

// HandleListDeadLetters handles GET /api/v1/admin/dead-letters
func (h *AdminHandler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pagination(r)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	letters, err := h.jobs.DeadLetters(r.Context(), limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, letters)
}

// HandleIsolationStatus handles GET /api/v1/admin/isolation
func (h *AdminHandler) HandleIsolationStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.isolation.Status())
}

// HandleClearIsolation handles POST /api/v1/admin/isolation/clear
func (h *AdminHandler) HandleClearIsolation(w http.ResponseWriter, r *http.Request) {
	actor := middleware.Actor(r.Context())
	previous, err := h.isolation.Clear(r.Context(), actor)
	if err != nil {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeUnavailable, "isolation state unavailable", err), h.logger)
		return
	}

	h.logger.Info("isolation clear requested",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("actor", actor),
		zap.Bool("was_halted", previous.Halted))
	_ = utils.WriteOK(w, map[string]interface{}{
		"cleared":  previous.Halted,
		"previous": previous,
	})
}

// HandleRunSweep handles POST /api/v1/admin/sweeps/{sweep}
func (h *AdminHandler) HandleRunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		_ = utils.WriteServiceUnavailable(w, "Sweeps are not enabled on this instance", 0)
		return
	}
	name := chi.URLParam(r, "sweep")
	if name != budget.SweepReset && name != budget.SweepExpiry {
		_ = utils.WriteNotFound(w, "Unknown sweep")
		return
	}

	report, ran, err := h.sweeps.RunSweep(r.Context(), name)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to run sweep", err), h.logger)
		return
	}
	if !ran {
		_ = utils.WriteConflict(w, "Sweep already running on another instance", nil)
		return
	}
	if partial := report.Err(); partial != nil {
		HandleServiceError(w, partial, h.logger)
		return
	}
	_ = utils.WriteOK(w, report)
}

// tenantParam reads the tenant ID from the route or the tenant_id query parameter
func (h *AdminHandler) tenantParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "tenantID")
	if raw == "" {
		raw = r.URL.Query().Get("tenant_id")
	}
	id, err := utils.ParseUUID("tenant_id", raw)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return uuid.Nil, false
	}
	return id, true
}

var errBadPagination = errors.New("limit and offset must be non-negative integers")

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, errBadPagination
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errBadPagination
		}
	}
	return limit, offset, nil
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
