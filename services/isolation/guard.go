// Package isolation halts processing when tenant isolation is observed to be broken.
//
// The Guard is a halt flag shared by every process through a HaltStore. Any component that
// sees a row belonging to a tenant other than the one whose context it is running in trips
// the guard; workers stop dequeuing, readiness reports the halt and an operator must clear
// it explicitly. The Canary probes every active tenant's context periodically for foreign
// rows.
package isolation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/services/alerts"
	"go.uber.org/zap"
)

const storeTimeout = 2 * time.Second

// AuditRecorder writes the isolation_violation audit entry
type AuditRecorder interface {
	LogIsolationViolation(ctx context.Context, tenantID uuid.UUID, actor string, violation error) error
}

// Status is a snapshot of the guard
type Status struct {
	Halted    bool       `json:"halted"`
	Reason    string     `json:"reason,omitempty"`
	TenantID  *uuid.UUID `json:"tenant_id,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	TrippedAt *time.Time `json:"tripped_at,omitempty"`
	Trips     int        `json:"trips"`
}

// Guard is safe for concurrent use
type Guard struct {
	mu        sync.RWMutex
	status    Status
	unsynced  bool // a trip this process could not write to the store
	refreshed time.Time

	store    HaltStore
	cacheFor time.Duration

	audit     AuditRecorder
	publisher alerts.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewGuard creates a new Guard instance. audit and publisher may be nil.
func NewGuard(audit AuditRecorder, publisher alerts.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Guard {
	g := &Guard{
		audit:     audit,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	g.setGauge(false)
	return g
}

// WithStore shares the halt through store. Each process re-reads it at most every cacheFor.
func (g *Guard) WithStore(store HaltStore, cacheFor time.Duration) *Guard {
	g.store = store
	g.cacheFor = cacheFor
	return g
}

// Halted reports whether processing is halted
func (g *Guard) Halted() bool {
	return g.current().Halted
}

// Status returns a snapshot of the guard state
func (g *Guard) Status() Status {
	return g.current()
}

func (g *Guard) current() Status {
	g.mu.RLock()
	status := g.status
	fresh := g.store == nil || g.now().Sub(g.refreshed) < g.cacheFor
	g.mu.RUnlock()
	if fresh {
		return status
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	shared, err := g.store.Load(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshed = g.now()
	if err != nil {
		// Keep the last known state rather than resume on a read failure
		g.logger.Warn("failed to read shared isolation halt", zap.Error(err))
		return g.status
	}
	if g.unsynced && g.status.Halted && !shared.Halted {
		return g.status
	}
	g.status = shared
	g.setGauge(shared.Halted)
	return g.status
}

// Trip halts processing. The first trip since the last clear pages an operator;
// every trip is audited against the observing tenant.
func (g *Guard) Trip(ctx context.Context, tenantID uuid.UUID, actor string, violation error) {
	now := g.now().UTC()

	// Reported even when the caller's context is already cancelled
	ctx = context.WithoutCancel(ctx)

	id := tenantID
	trip := Status{Halted: true, Reason: violation.Error(), TenantID: &id, Actor: actor, TrippedAt: &now}

	g.mu.Lock()
	first := !g.status.Halted
	g.status.Trips++
	if first {
		trips := g.status.Trips
		g.status = trip
		g.status.Trips = trips
	}
	g.mu.Unlock()

	if g.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		sharedFirst, trips, err := g.store.Trip(storeCtx, trip)
		cancel()

		g.mu.Lock()
		if err != nil {
			g.unsynced = true
			g.logger.Error("failed to share isolation halt, halting this process only", zap.Error(err))
		} else {
			first = sharedFirst
			g.status.Trips = trips
			// Reload the first trip's details on the next read
			g.refreshed = time.Time{}
		}
		g.mu.Unlock()
	}

	g.setGauge(true)
	g.logger.Error("tenant isolation violation, processing halted",
		observability.TenantField(tenantID),
		zap.String("actor", actor),
		zap.Bool("first", first),
		zap.Error(violation))

	if g.audit != nil {
		if err := g.audit.LogIsolationViolation(ctx, tenantID, actor, violation); err != nil {
			g.logger.Error("failed to audit isolation violation", observability.TenantField(tenantID), zap.Error(err))
		}
	}

	if first && g.publisher != nil {
		alert := alerts.New(alerts.KindIsolationViolation, alerts.SeverityPage, &tenantID,
			"tenant isolation violation: processing halted", map[string]interface{}{
				"actor":     actor,
				"violation": violation.Error(),
			})
		pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := g.publisher.Publish(pubCtx, alert); err != nil {
			g.logger.Error("failed to publish isolation alert", zap.Error(err))
		}
	}
}

// Clear resumes processing in every process sharing the store. It returns the state
// that was cleared.
func (g *Guard) Clear(ctx context.Context, by string) (Status, error) {
	var shared Status
	if g.store != nil {
		var err error
		if shared, err = g.store.Clear(ctx); err != nil {
			return Status{}, err
		}
	}

	g.mu.Lock()
	previous := g.status
	if shared.Halted {
		previous = shared
	}
	g.status = Status{}
	g.unsynced = false
	g.refreshed = g.now()
	g.mu.Unlock()

	g.setGauge(false)
	if previous.Halted {
		g.logger.Warn("isolation halt cleared",
			zap.String("cleared_by", by),
			zap.String("reason", previous.Reason),
			zap.Int("trips", previous.Trips))
	}
	return previous, nil
}

func (g *Guard) setGauge(halted bool) {
	if g.metrics == nil {
		return
	}
	if halted {
		g.metrics.IsolationHalted.Set(1)
	} else {
		g.metrics.IsolationHalted.Set(0)
	}
}
