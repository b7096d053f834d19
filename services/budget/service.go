// Package budget resets tenant spend windows, expires budget overrides and grants new ones.
//
// Every mutation runs inside the tenant's context while holding the tenant row lock, so
// workers adding spend concurrently never observe a half-applied reset. Sweeps are
// idempotent: a tenant whose window has not elapsed, or whose override has not expired,
// is skipped.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/alerts"
	"github.com/upb/ticket-enhancer/services/isolation"
	"go.uber.org/zap"
)

// Sweep names
const (
	SweepReset  = "reset"
	SweepExpiry = "override_expiry"
)

// TenantFailure is one tenant a sweep could not process
type TenantFailure struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Error    string    `json:"error"`
}

// SweepReport summarizes one sweep run
type SweepReport struct {
	Sweep       string          `json:"sweep"`
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Failures    []TenantFailure `json:"failures,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
}

// Partial reports whether at least one tenant failed
func (r SweepReport) Partial() bool {
	return len(r.Failures) > 0
}

// Err returns a sweep_partial domain error when any tenant failed
func (r SweepReport) Err() error {
	if !r.Partial() {
		return nil
	}
	return services.NewDomainError(services.ErrorTypeSweepPartial,
		fmt.Sprintf("%s sweep failed for %d tenants", r.Sweep, len(r.Failures)), nil).
		WithDetail("failures", r.Failures)
}

// Config holds sweep batching settings
type Config struct {
	BatchSize  int
	BatchPause time.Duration
}

// ConfigFrom builds a Config from application configuration
func ConfigFrom(cfg config.BudgetConfig) Config {
	return Config{BatchSize: cfg.BatchSize, BatchPause: cfg.BatchPause}
}

// Automation runs the budget sweeps and override grants
type Automation struct {
	registry  repositories.TenantRegistry
	scope     repositories.TenantScope
	tenants   repositories.TenantRepository
	overrides repositories.BudgetOverrideRepository
	auditLogs repositories.AuditRepository
	provider  Provider
	guard     *isolation.Guard
	alerts    alerts.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	config    Config

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error
}

// NewAutomation creates a new Automation instance. guard, publisher and metrics may be nil.
func NewAutomation(repos *repositories.Repositories, provider Provider, guard *isolation.Guard, publisher alerts.Publisher, metrics *observability.Metrics, logger *zap.Logger, config Config) *Automation {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.BatchPause < 0 {
		config.BatchPause = 0
	}
	if provider == nil {
		provider = NoopProvider{}
	}
	return &Automation{
		registry:  repos.Registry,
		scope:     repos.Scope,
		tenants:   repos.Tenants,
		overrides: repos.Overrides,
		auditLogs: repos.AuditLogs,
		provider:  provider,
		guard:     guard,
		alerts:    publisher,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		now:       time.Now,
		pause:     sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunResetSweep starts a new spend window for every tenant whose window ended at or before now
func (a *Automation) RunResetSweep(ctx context.Context, now time.Time) SweepReport {
	return a.sweep(ctx, SweepReset, func(ctx context.Context, id uuid.UUID) (bool, error) {
		return a.resetTenant(ctx, id, now)
	})
}

// RunOverrideExpirySweep removes overrides that expired at or before now and restores base limits
func (a *Automation) RunOverrideExpirySweep(ctx context.Context, now time.Time) SweepReport {
	return a.sweep(ctx, SweepExpiry, func(ctx context.Context, id uuid.UUID) (bool, error) {
		return a.expireOverride(ctx, id, now)
	})
}

// sweep visits active tenants in batches. Per-tenant failures are collected, never raised.
func (a *Automation) sweep(ctx context.Context, name string, visit func(ctx context.Context, id uuid.UUID) (bool, error)) SweepReport {
	started := a.now()
	report := SweepReport{Sweep: name}
	logger := a.logger.With(zap.String("sweep", name))

	defer func() {
		if a.metrics != nil {
			a.metrics.SweepDuration.WithLabelValues(name).Observe(a.now().Sub(started).Seconds())
		}
	}()

	ids, err := a.registry.ListActiveTenantIDs(ctx)
	if err != nil {
		logger.Error("failed to list tenants for budget sweep", zap.Error(err))
		report.Failures = append(report.Failures, TenantFailure{Error: fmt.Sprintf("failed to list tenants: %v", err)})
		a.reportPartial(ctx, report)
		return report
	}

	for start := 0; start < len(ids); start += a.config.BatchSize {
		if start > 0 {
			if err := a.pause(ctx, a.config.BatchPause); err != nil {
				report.Interrupted = true
				break
			}
		}
		end := start + a.config.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		for _, id := range ids[start:end] {
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			changed, err := visit(ctx, id)
			switch {
			case err != nil && services.IsIsolationViolation(err):
				a.tripGuard(ctx, id, models.ActorBudgetSweep, err)
				report.Failures = append(report.Failures, TenantFailure{TenantID: id, Error: models.RedactString(err.Error())})
				report.Interrupted = true
				a.count(name, "failed")
				a.finish(ctx, logger, report)
				return report
			case err != nil:
				logger.Warn("budget sweep failed for tenant", observability.TenantField(id), zap.Error(err))
				report.Failures = append(report.Failures, TenantFailure{TenantID: id, Error: models.RedactString(err.Error())})
				a.count(name, "failed")
			case changed:
				report.Processed++
				a.count(name, "processed")
			default:
				report.Skipped++
				a.count(name, "skipped")
			}
		}
		if report.Interrupted {
			break
		}
	}

	a.finish(ctx, logger, report)
	return report
}

func (a *Automation) finish(ctx context.Context, logger *zap.Logger, report SweepReport) {
	logger.Info("budget sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)),
		zap.Bool("interrupted", report.Interrupted))
	a.reportPartial(ctx, report)
}

func (a *Automation) resetTenant(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	changed := false
	err := a.scope.WithTenantContext(ctx, id, func(ctx context.Context) error {
		tenant, err := a.tenants.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !tenant.WindowElapsed(now) {
			return nil
		}

		previousSpend := tenant.CurrentSpend
		previousEnd := tenant.BudgetWindowEnd
		tenant.AdvanceWindow(now.UTC())
		if err := a.tenants.SaveBudgetWindow(ctx, tenant); err != nil {
			return err
		}
		// A provider failure rolls the reset back; the next sweep retries it
		if err := a.provider.ResetSpend(ctx, id, tenant.BudgetWindowStart, tenant.BudgetWindowEnd); err != nil {
			return err
		}

		log := models.NewAuditLog(id, models.AuditActionBudgetReset, "tenant").
			WithActor(models.ActorBudgetSweep).
			WithResource(id).
			WithDetails(map[string]interface{}{
				"previous_spend":      previousSpend,
				"previous_window_end": previousEnd,
				"window_start":        tenant.BudgetWindowStart,
				"window_end":          tenant.BudgetWindowEnd,
			})
		if err := a.auditLogs.Insert(ctx, log); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to reset budget window: %w", err)
	}
	return changed, nil
}

func (a *Automation) expireOverride(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	changed := false
	err := a.scope.WithTenantContext(ctx, id, func(ctx context.Context) error {
		// Tenant row first, then override: the same order GrantOverride uses
		tenant, err := a.tenants.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		override, err := a.overrides.LockForUpdate(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !override.Expired(now) {
			return nil
		}

		if err := a.overrides.Delete(ctx, id); err != nil {
			return err
		}
		if err := a.tenants.SetEffectiveLimit(ctx, id, tenant.BaseBudgetLimit); err != nil {
			return err
		}
		if err := a.provider.SetLimit(ctx, id, tenant.BaseBudgetLimit); err != nil {
			return err
		}

		log := models.NewAuditLog(id, models.AuditActionBudgetOverrideExpired, "budget_override").
			WithActor(models.ActorBudgetSweep).
			WithResource(id).
			WithDetails(map[string]interface{}{
				"override_amount": override.Amount,
				"expired_at":      override.ExpiresAt,
				"restored_limit":  tenant.BaseBudgetLimit,
				"granted_by":      override.GrantedBy,
			})
		if err := a.auditLogs.Insert(ctx, log); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to expire budget override: %w", err)
	}
	return changed, nil
}

// GrantRequest represents an admin request for a temporary limit increase
type GrantRequest struct {
	Amount    float64   `json:"amount" validate:"required,gt=0"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
	Reason    string    `json:"reason" validate:"required,max=500"`
}

// GrantOverride replaces the tenant's active override and raises its effective limit
func (a *Automation) GrantOverride(ctx context.Context, tenantID uuid.UUID, req GrantRequest, grantedBy string) (*models.BudgetOverride, error) {
	if req.Amount <= 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "override amount must be positive", nil)
	}
	if !req.ExpiresAt.After(a.now()) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "override must expire in the future", nil)
	}

	override := models.NewBudgetOverride(tenantID, req.Amount, req.ExpiresAt.UTC(), req.Reason, grantedBy)
	err := a.scope.WithTenantContext(ctx, tenantID, func(ctx context.Context) error {
		tenant, err := a.tenants.LockForUpdate(ctx, tenantID)
		if err != nil {
			return err
		}
		if !tenant.IsActive {
			return services.ErrTenantInactive
		}

		previous, err := a.overrides.LockForUpdate(ctx, tenantID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		if err := a.overrides.Upsert(ctx, override); err != nil {
			return err
		}
		if err := a.tenants.SetEffectiveLimit(ctx, tenantID, req.Amount); err != nil {
			return err
		}
		if err := a.provider.SetLimit(ctx, tenantID, req.Amount); err != nil {
			return services.WrapTransient("budget provider rejected limit update", err)
		}

		details := map[string]interface{}{
			"amount":     req.Amount,
			"expires_at": override.ExpiresAt,
			"reason":     req.Reason,
			"base_limit": tenant.BaseBudgetLimit,
		}
		if previous != nil {
			details["replaced_amount"] = previous.Amount
		}
		log := models.NewAuditLog(tenantID, models.AuditActionBudgetOverrideGranted, "budget_override").
			WithActor(grantedBy).
			WithResource(tenantID).
			WithDetails(details)
		return a.auditLogs.Insert(ctx, log)
	})
	if err != nil {
		if services.IsIsolationViolation(err) {
			a.tripGuard(ctx, tenantID, grantedBy, err)
		}
		return nil, services.FromRepository("failed to grant budget override", err)
	}

	a.logger.Info("budget override granted",
		observability.TenantField(tenantID),
		zap.Float64("amount", req.Amount),
		zap.Time("expires_at", override.ExpiresAt),
		zap.String("granted_by", grantedBy))
	return override, nil
}

// ThresholdEvent is the body of the budget-provider threshold webhook
type ThresholdEvent struct {
	TenantID   uuid.UUID `json:"tenant_id" validate:"required"`
	Spend      float64   `json:"spend" validate:"gte=0"`
	Limit      float64   `json:"limit" validate:"gte=0"`
	Threshold  float64   `json:"threshold" validate:"gte=0"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordThreshold audits a threshold crossing reported by the budget provider and alerts on it.
// No job is created.
func (a *Automation) RecordThreshold(ctx context.Context, event ThresholdEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	details := map[string]interface{}{
		"spend":       event.Spend,
		"limit":       event.Limit,
		"threshold":   event.Threshold,
		"occurred_at": event.OccurredAt,
	}

	err := a.scope.WithTenantContext(ctx, event.TenantID, func(ctx context.Context) error {
		if _, err := a.tenants.GetByID(ctx, event.TenantID); err != nil {
			return err
		}
		log := models.NewAuditLog(event.TenantID, models.AuditActionBudgetThresholdCrossed, "tenant").
			WithActor(models.ActorBudgetProvider).
			WithResource(event.TenantID).
			WithDetails(details)
		return a.auditLogs.Insert(ctx, log)
	})
	if err != nil {
		return services.FromRepository("failed to record budget threshold", err)
	}

	if a.alerts != nil {
		tenantID := event.TenantID
		alert := alerts.New(alerts.KindBudgetThreshold, alerts.SeverityWarning, &tenantID,
			fmt.Sprintf("tenant spend crossed %.0f%% of its limit", event.Threshold*100), details)
		if err := a.alerts.Publish(ctx, alert); err != nil {
			a.logger.Warn("failed to publish budget threshold alert", observability.TenantField(tenantID), zap.Error(err))
		}
	}
	return nil
}

func (a *Automation) reportPartial(ctx context.Context, report SweepReport) {
	if !report.Partial() || a.alerts == nil {
		return
	}
	failed := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failed = append(failed, f.TenantID.String())
	}
	alert := alerts.New(alerts.KindSweepPartial, alerts.SeverityWarning, nil,
		fmt.Sprintf("%s sweep failed for %d tenants", report.Sweep, len(report.Failures)),
		map[string]interface{}{
			"sweep":     report.Sweep,
			"processed": report.Processed,
			"skipped":   report.Skipped,
			"failed":    failed,
		})
	if err := a.alerts.Publish(context.WithoutCancel(ctx), alert); err != nil {
		a.logger.Warn("failed to publish sweep alert", zap.Error(err))
	}
}

func (a *Automation) tripGuard(ctx context.Context, tenantID uuid.UUID, actor string, err error) {
	if a.guard != nil {
		a.guard.Trip(ctx, tenantID, actor, err)
	}
}

func (a *Automation) count(sweep, result string) {
	if a.metrics != nil {
		a.metrics.SweepTenants.WithLabelValues(sweep, result).Inc()
	}
}
