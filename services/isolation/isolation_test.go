package isolation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories/repotest"
	"github.com/upb/ticket-enhancer/services/alerts"
	"github.com/upb/ticket-enhancer/services/audit"
	"go.uber.org/zap"
)

type capturePublisher struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
}

func (p *capturePublisher) Publish(ctx context.Context, a *alerts.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type fixture struct {
	store     *repotest.Store
	guard     *Guard
	canary    *Canary
	publisher *capturePublisher
	metrics   *observability.Metrics
	tenants   []*models.Tenant
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	store := repotest.New()
	repos := store.Repositories()
	metrics := observability.NewMetrics()
	publisher := &capturePublisher{}
	auditService := audit.NewAuditService(repos.Scope, repos.AuditLogs, zap.NewNop(), audit.DefaultConfig())
	guard := NewGuard(auditService, publisher, metrics, zap.NewNop())

	f := &fixture{
		store:     store,
		guard:     guard,
		canary:    NewCanary(repos, guard, metrics, zap.NewNop()),
		publisher: publisher,
		metrics:   metrics,
	}
	for i := 0; i < n; i++ {
		tenant := models.NewTenant("tenant", "https://desk.example.com", 100, 0)
		store.PutTenant(tenant)
		f.tenants = append(f.tenants, tenant)
	}
	return f
}

func TestGuard_TripAndClear(t *testing.T) {
	f := newFixture(t, 1)
	tenantID := f.tenants[0].ID
	violation := errors.New("isolation violation on enhancement_jobs")

	assert.False(t, f.guard.Halted())
	f.guard.Trip(context.Background(), tenantID, models.ActorWorker, violation)
	f.guard.Trip(context.Background(), tenantID, models.ActorWorker, violation)

	status := f.guard.Status()
	assert.True(t, status.Halted)
	assert.Equal(t, 2, status.Trips)
	assert.Equal(t, tenantID, *status.TenantID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IsolationHalted))

	require.Len(t, f.publisher.alerts, 1, "only the first trip pages")
	assert.Equal(t, alerts.SeverityPage, f.publisher.alerts[0].Severity)
	assert.Len(t, f.store.AuditLogs(tenantID, models.AuditActionIsolationViolation), 2)

	cleared, err := f.guard.Clear(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.True(t, cleared.Halted)
	assert.False(t, f.guard.Halted())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.IsolationHalted))

	f.guard.Trip(context.Background(), tenantID, models.ActorWorker, violation)
	assert.Len(t, f.publisher.alerts, 2, "a trip after clearing pages again")
}

func TestGuard_TripWithCancelledContextStillAudits(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.guard.Trip(ctx, f.tenants[0].ID, models.ActorWorker, errors.New("leak"))
	assert.Len(t, f.store.AuditLogs(f.tenants[0].ID, models.AuditActionIsolationViolation), 1)
}

func TestCanary_CleanRun(t *testing.T) {
	f := newFixture(t, 3)

	report, err := f.canary.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CanaryReport{Checked: 3}, report)
	assert.False(t, f.guard.Halted())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CanaryRuns.WithLabelValues("clean")))
}

func TestCanary_DetectsLeak(t *testing.T) {
	f := newFixture(t, 2)
	f.store.SetLeak(true)

	report, err := f.canary.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Violations)
	assert.True(t, f.guard.Halted())
	assert.Equal(t, models.ActorIsolationCanary, f.guard.Status().Actor)

	assert.Contains(t, f.guard.Status().Reason, "tenants=1")
	assert.Len(t, f.store.AuditLogs(f.tenants[0].ID, models.AuditActionIsolationViolation), 1)
	assert.Len(t, f.store.AuditLogs(f.tenants[1].ID, models.AuditActionIsolationViolation), 1)
}

func TestCanary_SingleTenantSkipped(t *testing.T) {
	f := newFixture(t, 1)
	report, err := f.canary.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestCanary_ProbeErrorsAreCounted(t *testing.T) {
	f := newFixture(t, 2)
	f.store.SetError("probe.ForeignRowCounts", errors.New("connection reset"))

	report, err := f.canary.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Errors)
	assert.False(t, f.guard.Halted())
}

func TestForeignRowsError(t *testing.T) {
	err := &ForeignRowsError{TenantID: uuid.Nil, Counts: map[string]int{"tenants": 2, "audit_logs": 0, "enhancement_jobs": 1}}
	assert.Contains(t, err.Error(), "[enhancement_jobs=1 tenants=2]")
}

// sharedGuards returns two guards, standing in for two processes, that share one Redis
func sharedGuards(t *testing.T) (*Guard, *Guard, *capturePublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	publisher := &capturePublisher{}
	scheduler := NewGuard(nil, publisher, nil, zap.NewNop()).WithStore(NewRedisHaltStore(client, "enhancer"), 0)
	worker := NewGuard(nil, publisher, nil, zap.NewNop()).WithStore(NewRedisHaltStore(client, "enhancer"), 0)
	return scheduler, worker, publisher, mr
}

func TestGuard_HaltIsSharedAcrossProcesses(t *testing.T) {
	scheduler, worker, publisher, mr := sharedGuards(t)
	tenantID := uuid.New()

	scheduler.Trip(context.Background(), tenantID, models.ActorIsolationCanary, errors.New("foreign rows"))
	assert.True(t, mr.Exists("enhancer:isolation:halt"))

	assert.True(t, worker.Halted(), "the trip reaches the other process")
	status := worker.Status()
	assert.Equal(t, models.ActorIsolationCanary, status.Actor)
	assert.Equal(t, tenantID, *status.TenantID)
	assert.Equal(t, 1, status.Trips)

	worker.Trip(context.Background(), tenantID, models.ActorWorker, errors.New("foreign job row"))
	assert.Len(t, publisher.alerts, 1, "a trip while already halted does not page")
	assert.Equal(t, 2, scheduler.Status().Trips)
	assert.Equal(t, models.ActorIsolationCanary, scheduler.Status().Actor, "first trip is kept")

	cleared, err := scheduler.Clear(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.True(t, cleared.Halted)
	assert.Equal(t, 2, cleared.Trips)
	assert.False(t, mr.Exists("enhancer:isolation:halt"))
	assert.False(t, worker.Halted(), "clearing from one process resumes the other")
}

func TestGuard_CachesSharedHalt(t *testing.T) {
	scheduler, _, _, mr := sharedGuards(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Now()
	cached := NewGuard(nil, nil, nil, zap.NewNop()).WithStore(NewRedisHaltStore(client, "enhancer"), time.Minute)
	cached.now = func() time.Time { return now }
	assert.False(t, cached.Halted())

	scheduler.Trip(context.Background(), uuid.New(), models.ActorIsolationCanary, errors.New("foreign rows"))
	assert.False(t, cached.Halted(), "within the cache window")

	now = now.Add(2 * time.Minute)
	assert.True(t, cached.Halted())
}

func TestGuard_StoreOutageHaltsLocally(t *testing.T) {
	_, worker, publisher, mr := sharedGuards(t)
	mr.Close()

	worker.Trip(context.Background(), uuid.New(), models.ActorWorker, errors.New("foreign job row"))
	assert.True(t, worker.Halted(), "an unshared trip still halts this process")
	assert.Len(t, publisher.alerts, 1)

	_, err := worker.Clear(context.Background(), "admin@example.com")
	assert.Error(t, err)
	assert.True(t, worker.Halted(), "a failed clear leaves the halt in place")
}
