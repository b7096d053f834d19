package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"go.uber.org/zap"
)

// AuditEvent represents an event to be audited
type AuditEvent struct {
	Log *models.AuditLog
}

// AuditService writes audit entries. Record writes inside the caller's tenant scope;
// LogEvent hands the entry to background workers that open their own scope per entry.
type AuditService struct {
	scope       repositories.TenantScope
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	eventChan   chan *AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.Mutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  4096,
		WorkerCount: 2,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(scope repositories.TenantScope, auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *AuditService {
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		scope:       scope,
		auditRepo:   auditRepo,
		logger:      logger,
		eventChan:   make(chan *AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop gracefully stops the audit service
// Waits for all pending events to be processed
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record writes an entry synchronously. Inside a scope for the entry's tenant the write
// joins that transaction and rolls back with it.
func (s *AuditService) Record(ctx context.Context, log *models.AuditLog) error {
	err := s.scope.WithTenantContext(ctx, log.TenantID, func(ctx context.Context) error {
		return s.auditRepo.Insert(ctx, log)
	})
	if err != nil {
		return services.FromRepository("failed to write audit log", err)
	}
	return nil
}

// LogEvent logs an event asynchronously (non-blocking)
// Returns immediately, event is processed in background
func (s *AuditService) LogEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(event.Log.Action)),
			zap.String("tenant_id", event.Log.TenantID.String()))
		return fmt.Errorf("audit event buffer full")
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(event.Log.Action)),
				zap.String("tenant_id", event.Log.TenantID.String()))
		}
	}
}

func (s *AuditService) processEvent(event *AuditEvent) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.Record(ctx, event.Log)
}

// List returns the tenant's audit entries matching filter, newest first
func (s *AuditService) List(ctx context.Context, tenantID uuid.UUID, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return services.WithTenantResult(ctx, s.scope, tenantID, func(ctx context.Context) ([]*models.AuditLog, error) {
		return s.auditRepo.List(ctx, filter)
	})
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}

// Convenience methods for logging common events

// LogSignatureRejected records a rejected webhook signature. Only the reason code is kept.
func (s *AuditService) LogSignatureRejected(tenantID uuid.UUID, reason, sourceIP, requestID string) error {
	log := models.NewAuditLog(tenantID, models.AuditActionSignatureRejected, "webhook").
		WithActor(models.ActorWebhook).
		WithRequest(requestID, sourceIP).
		WithDetails(map[string]interface{}{"reason": reason})

	return s.LogEvent(&AuditEvent{Log: log})
}

// JobFailureLog builds the entry for a job that reached a terminal failure phase
func JobFailureLog(job *models.EnhancementJob, reason string, cause error) *models.AuditLog {
	action := models.AuditActionJobFailed
	if job.Phase == models.PhaseDeadLettered {
		action = models.AuditActionJobDeadLettered
	}
	details := map[string]interface{}{
		"ticket_id": job.TicketID,
		"reason":    reason,
		"attempts":  job.AttemptCount,
	}
	if len(job.UnavailableSources) > 0 {
		details["unavailable_sources"] = job.UnavailableSources
	}
	return models.NewAuditLog(job.TenantID, action, "enhancement_job").
		WithActor(models.ActorWorker).
		WithResource(job.ID).
		WithDetails(details).
		WithError(cause)
}

// LogIsolationViolation records a detected cross-tenant exposure against the observing tenant
func (s *AuditService) LogIsolationViolation(ctx context.Context, tenantID uuid.UUID, actor string, violation error) error {
	log := models.NewAuditLog(tenantID, models.AuditActionIsolationViolation, "tenant").
		WithActor(actor).
		WithResource(tenantID).
		WithError(violation)
	return s.Record(ctx, log)
}
