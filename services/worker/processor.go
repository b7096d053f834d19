package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/alerts"
	"github.com/upb/ticket-enhancer/services/audit"
	"github.com/upb/ticket-enhancer/services/isolation"
	"github.com/upb/ticket-enhancer/services/monitoring"
	"github.com/upb/ticket-enhancer/services/prompt"
	"github.com/upb/ticket-enhancer/services/providers"
	"github.com/upb/ticket-enhancer/services/queue"
	"github.com/upb/ticket-enhancer/services/retry"
	"github.com/upb/ticket-enhancer/services/ticketing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome is what happened to one delivery
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeAbandoned    Outcome = "abandoned" // lease left to expire, job re-delivered later
	OutcomeDropped      Outcome = "dropped"   // no job row, or the job already finished
	OutcomeHalted       Outcome = "halted"
)

// Failure reasons recorded on the per-tenant failure counter and in audit details
const (
	ReasonTenantInactive    = "tenant_inactive"
	ReasonBudgetExhausted   = "budget_exhausted"
	ReasonInvalidPayload    = "invalid_payload"
	ReasonLLMRejected       = "llm_rejected"
	ReasonTicketingRejected = "ticketing_rejected"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonCircuitOpen       = "circuit_open"
	ReasonDeliveriesUsedUp  = "deliveries_exhausted"
	ReasonInternal          = "internal_error"
)

var errDeliveriesExhausted = errors.New("job delivered too many times without an outcome")

// TicketDesk is the ticketing collaborator
type TicketDesk interface {
	UpdateTicket(ctx context.Context, tenant *models.Tenant, ticketID string, jobID uuid.UUID, content string) (bool, error)
	SearchSimilar(ctx context.Context, tenant *models.Tenant, subject, excludeID string, limit int) ([]*ticketing.Ticket, error)
}

// SignalSource is the optional monitoring collaborator
type SignalSource interface {
	Signals(ctx context.Context, tenantID uuid.UUID, subject string, limit int) ([]monitoring.Signal, error)
}

// Config holds processor settings
type Config struct {
	SourceTimeout    time.Duration
	HistoryLimit     int
	SimilarLimit     int
	SignalLimit      int
	LeaseSafetyDelta time.Duration
	MaxDeliveries    int
	CircuitCooldown  time.Duration // requeue delay while a dependency circuit is open
	RequeueDelay     time.Duration // requeue delay after an unclassified failure
}

// ConfigFrom builds a processor Config from application configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SourceTimeout:    cfg.Worker.SourceTimeout,
		HistoryLimit:     cfg.Worker.HistoryLimit,
		SimilarLimit:     5,
		SignalLimit:      10,
		LeaseSafetyDelta: cfg.Queue.LeaseSafetyDelta,
		MaxDeliveries:    cfg.Worker.MaxDeliveries,
		CircuitCooldown:  cfg.Retry.BreakerCooldown,
		RequeueDelay:     cfg.Retry.MaxDelay,
	}
}

func (c *Config) applyDefaults() {
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 5
	}
	if c.SimilarLimit <= 0 {
		c.SimilarLimit = 5
	}
	if c.SignalLimit <= 0 {
		c.SignalLimit = 10
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 10 * time.Second
	}
}

// Dependencies are the collaborators of a Processor. Signals and Alerts may be nil.
type Dependencies struct {
	Repos       *repositories.Repositories
	Queue       queue.Queue
	Coordinator *retry.Coordinator
	Synthesizer providers.Synthesizer
	Builder     *prompt.Builder
	Desk        TicketDesk
	Signals     SignalSource
	Guard       *isolation.Guard
	Alerts      alerts.Publisher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
}

// Processor runs one delivery through the enhancement phases
type Processor struct {
	scope       repositories.TenantScope
	tenants     repositories.TenantRepository
	jobs        repositories.JobRepository
	auditLogs   repositories.AuditRepository
	queue       queue.Queue
	coordinator *retry.Coordinator
	synthesizer providers.Synthesizer
	builder     *prompt.Builder
	desk        TicketDesk
	signals     SignalSource
	guard       *isolation.Guard
	alerts      alerts.Publisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	config      Config
	now         func() time.Time
}

// NewProcessor creates a new Processor instance
func NewProcessor(deps Dependencies, config Config) *Processor {
	config.applyDefaults()
	if deps.Builder == nil {
		deps.Builder = prompt.NewBuilder(prompt.DefaultConfig())
	}
	return &Processor{
		scope:       deps.Repos.Scope,
		tenants:     deps.Repos.Tenants,
		jobs:        deps.Repos.Jobs,
		auditLogs:   deps.Repos.AuditLogs,
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		synthesizer: deps.Synthesizer,
		builder:     deps.Builder,
		desk:        deps.Desk,
		signals:     deps.Signals,
		guard:       deps.Guard,
		alerts:      deps.Alerts,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		config:      config,
		now:         time.Now,
	}
}

// run carries one delivery through the phases
type run struct {
	d      *queue.Delivery
	tenant *models.Tenant
	job    *models.EnhancementJob
	ticket *models.TicketPayload
	logger *zap.Logger
}

// Process handles one delivery and settles it on the queue: acked, requeued, dead-lettered
// or, when the job deadline passes, left leased so that it is re-delivered after expiry.
func (p *Processor) Process(ctx context.Context, d *queue.Delivery) Outcome {
	started := p.now()
	ctx = observability.ExtractCarrier(ctx, d.TraceCarrier)
	ctx, span := observability.Tracer().Start(ctx, "job.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("tenant.id", d.TenantID.String()),
			attribute.String("job.id", d.JobID.String()),
			attribute.Int("job.delivery", d.Attempt+1)))
	defer span.End()

	r := &run{
		d:      d,
		logger: p.logger.With(observability.TenantField(d.TenantID), observability.JobField(d.JobID)),
	}

	// Retries stop early enough for the outcome to be recorded before the lease expires
	jobCtx, cancel := context.WithDeadline(ctx, d.LeaseExpiresAt.Add(-p.config.LeaseSafetyDelta))
	defer cancel()

	outcome := p.process(jobCtx, ctx, r)

	span.SetAttributes(attribute.String("job.outcome", string(outcome)))
	switch outcome {
	case OutcomeFailed, OutcomeDeadLettered, OutcomeHalted:
		span.SetStatus(codes.Error, string(outcome))
	}
	if p.metrics != nil {
		p.metrics.JobOutcomes.WithLabelValues(string(outcome)).Inc()
		p.metrics.JobDuration.WithLabelValues(string(outcome)).Observe(p.now().Sub(started).Seconds())
	}
	return outcome
}

func (p *Processor) process(ctx, parent context.Context, r *run) Outcome {
	// Step 1: Load tenant and job under the tenant's context
	tenant, job, err := p.load(ctx, r.d)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) && !isIsolation(err) {
			// Enqueued by a transaction that never committed, or the tenant is gone
			r.logger.Warn("job or tenant not found, dropping delivery", zap.Error(err))
			p.ack(parent, r)
			return OutcomeDropped
		}
		return p.settle(ctx, parent, r, ReasonInternal, err)
	}
	r.tenant, r.job = tenant, job

	if job.Status.IsTerminal() {
		r.logger.Info("job already finished, acking redelivery", zap.String("status", string(job.Status)))
		p.ack(parent, r)
		return OutcomeDropped
	}

	resume := job.Result != nil
	job.Start(p.now().UTC())
	if err := p.persist(ctx, r); err != nil {
		return p.settle(ctx, parent, r, ReasonInternal, err)
	}

	// Deliveries whose leases expired mid-run are only visible in the persisted count
	if job.AttemptCount > p.config.MaxDeliveries {
		return p.deadLetter(parent, r, ReasonDeliveriesUsedUp, errDeliveriesExhausted)
	}

	// Step 2: Tenant gates
	if !tenant.IsActive {
		return p.fail(parent, r, ReasonTenantInactive, services.ErrTenantInactive)
	}
	// A job holding a result has already been charged; only new synthesis is gated
	if !resume && tenant.BudgetExhausted() {
		return p.fail(parent, r, ReasonBudgetExhausted, services.ErrBudgetExhausted)
	}

	ticket, err := job.Ticket()
	if err != nil {
		return p.fail(parent, r, ReasonInvalidPayload, err)
	}
	r.ticket = ticket

	if err := p.advance(r, models.EventStart); err != nil {
		return p.fail(parent, r, ReasonInternal, err)
	}

	if resume {
		// A previous delivery already paid for the synthesis; only the write-back is left
		r.logger.Info("resuming job at write-back")
		if err := p.advance(r, models.EventContextGathered); err != nil {
			return p.fail(parent, r, ReasonInternal, err)
		}
		if err := p.advance(r, models.EventSynthesized); err != nil {
			return p.fail(parent, r, ReasonInternal, err)
		}
	} else {
		// Step 3: Context gathering
		ec, err := p.gather(ctx, r)
		if err != nil {
			return p.settle(ctx, parent, r, ReasonInternal, err)
		}
		job.UnavailableSources = ec.Unavailable
		if err := p.advance(r, models.EventContextGathered); err != nil {
			return p.fail(parent, r, ReasonInternal, err)
		}

		// Step 4: Synthesis
		result, err := p.synthesize(ctx, r, ec)
		if err != nil {
			return p.settle(ctx, parent, r, ReasonLLMRejected, err)
		}
		if err := p.advance(r, models.EventSynthesized); err != nil {
			return p.fail(parent, r, ReasonInternal, err)
		}
		if err := p.recordSynthesis(ctx, r, result); err != nil {
			return p.settle(ctx, parent, r, ReasonInternal, err)
		}
	}

	// Step 5: Write-back
	if err := p.writeBack(ctx, r); err != nil {
		return p.settle(ctx, parent, r, ReasonTicketingRejected, err)
	}
	if err := p.advance(r, models.EventWrittenBack); err != nil {
		return p.fail(parent, r, ReasonInternal, err)
	}

	// Step 6: Complete
	job.Finish(models.PhaseCompleted, p.now().UTC(), "")
	if err := p.persist(ctx, r); err != nil {
		return p.settle(ctx, parent, r, ReasonInternal, err)
	}
	p.ack(parent, r)
	r.logger.Info("job completed",
		zap.Int("attempt", job.AttemptCount),
		zap.Float64("cost", job.Cost),
		zap.Int("unavailable_sources", len(job.UnavailableSources)))
	return OutcomeCompleted
}

func (p *Processor) load(ctx context.Context, d *queue.Delivery) (*models.Tenant, *models.EnhancementJob, error) {
	var tenant *models.Tenant
	var job *models.EnhancementJob
	err := p.scope.WithTenantContext(ctx, d.TenantID, func(ctx context.Context) error {
		var err error
		if tenant, err = p.tenants.GetByID(ctx, d.TenantID); err != nil {
			return err
		}
		job, err = p.jobs.GetByID(ctx, d.JobID)
		return err
	})
	return tenant, job, err
}

func (p *Processor) persist(ctx context.Context, r *run) error {
	return p.scope.WithTenantContext(ctx, r.job.TenantID, func(ctx context.Context) error {
		return p.jobs.Update(ctx, r.job)
	})
}

func (p *Processor) advance(r *run, event models.JobEvent) error {
	next, err := models.NextPhase(r.job.Phase, event)
	if err != nil {
		return err
	}
	r.job.Phase = next
	r.job.Status = models.StatusForPhase(next)
	return nil
}

// gather queries every enabled context source concurrently, each under its own timeout.
// A failing source is recorded as unavailable; only an isolation violation aborts.
func (p *Processor) gather(ctx context.Context, r *run) (*prompt.EnhancementContext, error) {
	ctx, span := observability.Tracer().Start(ctx, "job.context_gathering")
	defer span.End()

	ec := &prompt.EnhancementContext{}
	prefs := r.tenant.Preferences

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = map[models.ContextSource]bool{}
		fatal  error
	)
	source := func(name models.ContextSource, fetch func(ctx context.Context) error) {
		if !prefs.SourceEnabled(name) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, p.config.SourceTimeout)
			defer cancel()

			err := fetch(sctx)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if isIsolation(err) {
				fatal = err
				return
			}
			failed[name] = true
			if p.metrics != nil {
				p.metrics.DegradedContext.WithLabelValues(string(name)).Inc()
			}
			r.logger.Warn("context source unavailable", zap.String("source", string(name)), zap.Error(err))
		}()
	}

	source(models.ContextSourceHistory, func(ctx context.Context) error {
		items, err := p.history(ctx, r)
		ec.History = items
		return err
	})
	if p.desk != nil {
		source(models.ContextSourceKnowledge, func(ctx context.Context) error {
			similar, err := p.desk.SearchSimilar(ctx, r.tenant, r.ticket.Subject, r.ticket.TicketID, p.config.SimilarLimit)
			for _, t := range similar {
				ec.Similar = append(ec.Similar, prompt.SimilarTicket{ID: t.ID, Subject: t.Subject, Resolution: t.Resolution})
			}
			return err
		})
	}
	if p.signals != nil {
		source(models.ContextSourceMonitoring, func(ctx context.Context) error {
			signals, err := p.signals.Signals(ctx, r.tenant.ID, r.ticket.Subject, p.config.SignalLimit)
			for _, s := range signals {
				ec.Signals = append(ec.Signals, prompt.Signal{Source: s.Source, Severity: s.Severity, Message: s.Message, ObservedAt: s.ObservedAt})
			}
			return err
		})
	}
	wg.Wait()

	if fatal != nil {
		span.SetStatus(codes.Error, "isolation violation")
		return nil, fatal
	}
	for _, name := range []models.ContextSource{models.ContextSourceHistory, models.ContextSourceKnowledge, models.ContextSourceMonitoring} {
		if failed[name] {
			ec.Unavailable = append(ec.Unavailable, name)
		}
	}
	span.SetAttributes(attribute.Int("context.unavailable", len(ec.Unavailable)))
	return ec, nil
}

func (p *Processor) history(ctx context.Context, r *run) ([]prompt.HistoryItem, error) {
	limit := r.tenant.Preferences.HistoryLimit
	if limit <= 0 {
		limit = p.config.HistoryLimit
	}
	jobs, err := services.WithTenantResult(ctx, p.scope, r.tenant.ID, func(ctx context.Context) ([]*models.EnhancementJob, error) {
		return p.jobs.ListHistory(ctx, r.job.TicketID, limit)
	})
	if err != nil {
		return nil, err
	}
	items := make([]prompt.HistoryItem, 0, len(jobs))
	for _, j := range jobs {
		if j.Result == nil {
			continue
		}
		items = append(items, prompt.HistoryItem{TicketID: j.TicketID, Summary: *j.Result})
	}
	return items, nil
}

func (p *Processor) synthesize(ctx context.Context, r *run, ec *prompt.EnhancementContext) (*providers.SynthesisResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "job.synthesis")
	defer span.End()

	messages, report := p.builder.Build(r.ticket, ec, r.tenant.Preferences)
	if report.SecretsRedacted > 0 || report.InjectionsRemoved > 0 {
		r.logger.Info("sanitized ticket content before synthesis",
			zap.Int("secrets_redacted", report.SecretsRedacted),
			zap.Int("injections_removed", report.InjectionsRemoved),
			zap.Float64("injection_risk", report.InjectionRiskScore))
	}

	prefs := r.tenant.Preferences
	req := &providers.SynthesisRequest{
		TenantID:    r.tenant.ID,
		JobID:       r.job.ID,
		Model:       prefs.Model,
		Temperature: prefs.Temperature,
		MaxTokens:   prefs.MaxTokens,
		Messages:    messages,
	}

	var result *providers.SynthesisResult
	attempts, err := p.coordinator.Do(ctx, "llm/"+r.tenant.ID.String(), func(ctx context.Context) error {
		res, err := p.synthesizer.Synthesize(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.model", result.Model),
		attribute.Int("llm.tokens", result.Usage.Total()))
	return result, nil
}

// recordSynthesis stores the result and charges its cost in one transaction so a
// redelivered job is never charged twice
func (p *Processor) recordSynthesis(ctx context.Context, r *run, result *providers.SynthesisResult) error {
	text := result.Text
	r.job.Result = &text
	r.job.Cost = result.Cost

	return p.scope.WithTenantContext(ctx, r.tenant.ID, func(ctx context.Context) error {
		spend, err := p.tenants.AddSpend(ctx, r.tenant.ID, result.Cost)
		if err != nil {
			return err
		}
		r.tenant.CurrentSpend = spend
		return p.jobs.Update(ctx, r.job)
	})
}

func (p *Processor) writeBack(ctx context.Context, r *run) error {
	ctx, span := observability.Tracer().Start(ctx, "job.write_back")
	defer span.End()

	attempts, err := p.coordinator.Do(ctx, "ticketing/"+r.tenant.ID.String(), func(ctx context.Context) error {
		written, err := p.desk.UpdateTicket(ctx, r.tenant, r.job.TicketID, r.job.ID, *r.job.Result)
		if err == nil {
			span.SetAttributes(attribute.Bool("ticket.written", written))
		}
		return err
	})
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.SetStatus(codes.Error, "write-back failed")
	}
	return err
}

// settle maps a step error onto the job's fate
func (p *Processor) settle(ctx, parent context.Context, r *run, reason string, err error) Outcome {
	switch {
	case isIsolation(err):
		return p.halt(parent, r, err)
	case ctx.Err() != nil:
		return p.abandon(parent, r, err)
	case errors.Is(err, retry.ErrRetriesExhausted):
		return p.deadLetter(parent, r, ReasonRetriesExhausted, err)
	case errors.Is(err, retry.ErrCircuitOpen):
		return p.retryLater(parent, r, ReasonCircuitOpen, p.config.CircuitCooldown, err)
	case retry.IsPermanent(err), services.IsPermanentError(err):
		return p.fail(parent, r, reason, err)
	default:
		return p.retryLater(parent, r, ReasonInternal, p.config.RequeueDelay, err)
	}
}

// fail marks the job failed and acks it
func (p *Processor) fail(parent context.Context, r *run, reason string, cause error) Outcome {
	ctx, cancel := settleContext(parent)
	defer cancel()

	if err := p.finish(ctx, r, models.EventPermanentFailure, reason, cause); err != nil {
		return p.finishFailed(parent, r, err)
	}
	p.ack(ctx, r)
	r.logger.Warn("job failed", zap.String("reason", reason), zap.Error(cause))
	return OutcomeFailed
}

// deadLetter marks the job dead-lettered and parks it on the queue
func (p *Processor) deadLetter(parent context.Context, r *run, reason string, cause error) Outcome {
	ctx, cancel := settleContext(parent)
	defer cancel()

	if r.job != nil {
		if err := p.finish(ctx, r, models.EventRetriesExhausted, reason, cause); err != nil {
			return p.finishFailed(parent, r, err)
		}
	} else {
		p.countFailure(r, reason)
	}
	if err := p.queue.DeadLetter(ctx, r.d.JobID, reason); err != nil {
		if !errors.Is(err, queue.ErrNotLeased) {
			r.logger.Error("failed to dead-letter job", zap.Error(err))
		} else if err := p.queue.Park(ctx, &r.d.Envelope, reason); err != nil {
			r.logger.Error("failed to park job after losing its lease", zap.Error(err))
		}
	}
	r.logger.Error("job dead-lettered", zap.String("reason", reason), zap.Error(cause))

	if p.alerts != nil {
		tenantID := r.d.TenantID
		alert := alerts.New(alerts.KindJobDeadLettered, alerts.SeverityWarning, &tenantID,
			"enhancement job dead-lettered", map[string]interface{}{
				"job_id":    r.d.JobID.String(),
				"ticket_id": r.d.TicketID,
				"reason":    reason,
				"error":     models.RedactString(cause.Error()),
			})
		if err := p.alerts.Publish(ctx, alert); err != nil {
			r.logger.Warn("failed to publish dead-letter alert", zap.Error(err))
		}
	}
	return OutcomeDeadLettered
}

// finish applies a terminal event, then persists the job and its audit entry together
func (p *Processor) finish(ctx context.Context, r *run, event models.JobEvent, reason string, cause error) error {
	phase, err := models.NextPhase(r.job.Phase, event)
	if err != nil {
		return err
	}
	r.job.Finish(phase, p.now().UTC(), cause.Error())

	err = p.scope.WithTenantContext(ctx, r.job.TenantID, func(ctx context.Context) error {
		if err := p.jobs.Update(ctx, r.job); err != nil {
			return err
		}
		return p.auditLogs.Insert(ctx, audit.JobFailureLog(r.job, reason, cause))
	})
	if err != nil {
		return err
	}
	p.countFailure(r, reason)
	return nil
}

// finishFailed handles a terminal state that could not be persisted. The delivery is left
// leased so a later attempt records it.
func (p *Processor) finishFailed(parent context.Context, r *run, err error) Outcome {
	if isIsolation(err) {
		return p.halt(parent, r, err)
	}
	r.logger.Error("failed to persist terminal job state", zap.Error(err))
	return OutcomeAbandoned
}

// retryLater requeues the job after delay, or dead-letters it once deliveries are used up
func (p *Processor) retryLater(parent context.Context, r *run, reason string, delay time.Duration, cause error) Outcome {
	if p.deliveries(r) >= p.config.MaxDeliveries {
		return p.deadLetter(parent, r, reason, cause)
	}

	ctx, cancel := settleContext(parent)
	defer cancel()

	p.resetToQueued(ctx, r)
	if err := p.queue.Requeue(ctx, r.d.JobID, delay); err != nil {
		r.logger.Warn("failed to requeue job, leaving lease to expire", zap.Error(err))
		return OutcomeAbandoned
	}
	r.logger.Warn("job requeued",
		zap.String("reason", reason),
		zap.Duration("delay", delay),
		zap.Int("delivery", p.deliveries(r)),
		zap.Error(cause))
	return OutcomeRequeued
}

// abandon resets the job without acking, so the queue re-delivers it after the lease expires
func (p *Processor) abandon(parent context.Context, r *run, cause error) Outcome {
	ctx, cancel := settleContext(parent)
	defer cancel()

	p.resetToQueued(ctx, r)
	r.logger.Warn("job deadline reached, leaving for re-delivery",
		zap.Time("lease_expires_at", r.d.LeaseExpiresAt),
		zap.Error(cause))
	return OutcomeAbandoned
}

// halt trips the isolation guard and returns the job to the queue untouched
func (p *Processor) halt(parent context.Context, r *run, violation error) Outcome {
	if p.guard != nil {
		p.guard.Trip(parent, r.d.TenantID, models.ActorWorker, violation)
	}
	ctx, cancel := settleContext(parent)
	defer cancel()
	if err := p.queue.Release(ctx, r.d.JobID); err != nil {
		r.logger.Error("failed to release job after isolation violation", zap.Error(err))
	}
	return OutcomeHalted
}

// deliveries is the number of times the job has been handed to a worker, including
// deliveries whose leases expired without an outcome
func (p *Processor) deliveries(r *run) int {
	n := r.d.Attempt + 1
	if r.job != nil && r.job.AttemptCount > n {
		n = r.job.AttemptCount
	}
	return n
}

func (p *Processor) resetToQueued(ctx context.Context, r *run) {
	if r.job == nil {
		return
	}
	r.job.Status = models.JobStatusQueued
	r.job.Phase = models.PhaseReceived
	if err := p.persist(ctx, r); err != nil {
		r.logger.Warn("failed to reset job to queued", zap.Error(err))
	}
}

func (p *Processor) ack(ctx context.Context, r *run) {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := p.queue.Ack(ctx, r.d.JobID); err != nil {
		r.logger.Error("failed to ack job", zap.Error(err))
	}
}

func (p *Processor) countFailure(r *run, reason string) {
	if p.metrics != nil {
		p.metrics.JobFailures.WithLabelValues(r.d.TenantID.String(), reason).Inc()
	}
}

// settleContext detaches from the job deadline so the outcome can still be written
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func isIsolation(err error) bool {
	return repositories.IsIsolationViolation(err) || services.IsIsolationViolation(err)
}
