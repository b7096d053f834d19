package isolation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

// ForeignRowsError reports rows of other tenants visible inside one tenant's context
type ForeignRowsError struct {
	TenantID uuid.UUID
	Counts   map[string]int
}

func (e *ForeignRowsError) Error() string {
	tables := make([]string, 0, len(e.Counts))
	for table, n := range e.Counts {
		if n > 0 {
			tables = append(tables, fmt.Sprintf("%s=%d", table, n))
		}
	}
	sort.Strings(tables)
	return fmt.Sprintf("foreign rows visible under tenant %s: %v", e.TenantID, tables)
}

// CanaryReport summarizes one canary pass
type CanaryReport struct {
	Checked    int
	Violations int
	Errors     int
}

// Canary runs unfiltered counts under each active tenant's context
type Canary struct {
	registry repositories.TenantRegistry
	scope    repositories.TenantScope
	probe    repositories.IsolationProbe
	guard    *Guard
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewCanary creates a new Canary instance
func NewCanary(repos *repositories.Repositories, guard *Guard, metrics *observability.Metrics, logger *zap.Logger) *Canary {
	return &Canary{
		registry: repos.Registry,
		scope:    repos.Scope,
		probe:    repos.Probe,
		guard:    guard,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunOnce probes every active tenant. With fewer than two tenants there is nothing that could leak.
func (c *Canary) RunOnce(ctx context.Context) (CanaryReport, error) {
	var report CanaryReport

	ids, err := c.registry.ListActiveTenantIDs(ctx)
	if err != nil {
		c.record("error")
		return report, fmt.Errorf("failed to list active tenants: %w", err)
	}
	if len(ids) < 2 {
		c.record("skipped")
		return report, nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		var counts map[string]int
		err := c.scope.WithTenantContext(ctx, id, func(ctx context.Context) error {
			var err error
			counts, err = c.probe.ForeignRowCounts(ctx)
			return err
		})
		if err != nil {
			report.Errors++
			c.logger.Warn("isolation canary probe failed", observability.TenantField(id), zap.Error(err))
			continue
		}

		for _, n := range counts {
			if n > 0 {
				report.Violations++
				c.guard.Trip(ctx, id, models.ActorIsolationCanary, &ForeignRowsError{TenantID: id, Counts: counts})
				break
			}
		}
	}

	switch {
	case report.Violations > 0:
		c.record("violation")
	case report.Errors > 0:
		c.record("error")
	default:
		c.record("clean")
	}
	c.logger.Debug("isolation canary finished",
		zap.Int("checked", report.Checked),
		zap.Int("violations", report.Violations),
		zap.Int("errors", report.Errors))
	return report, nil
}

// Run probes on every tick until ctx is done
func (c *Canary) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("isolation canary run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Canary) record(result string) {
	if c.metrics != nil {
		c.metrics.CanaryRuns.WithLabelValues(result).Inc()
	}
}
