package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/queue"
	"github.com/upb/ticket-enhancer/services/ratelimit"
	"github.com/upb/ticket-enhancer/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Webhook results reported on the webhook counter
const (
	ResultAccepted       = "accepted"
	ResultDuplicate      = "duplicate"
	ResultUnknownTenant  = "unknown_tenant"
	ResultInactiveTenant = "inactive_tenant"
	ResultUnauthorized   = "unauthorized"
	ResultInvalidPayload = "invalid_payload"
	ResultRateLimited    = "rate_limited"
	ResultUnavailable    = "unavailable"
	ResultError          = "error"
)

// SignatureVerifier checks a delivery's signature for a loaded tenant
type SignatureVerifier interface {
	VerifyTenant(ctx context.Context, tenant *models.Tenant, rawBody []byte, header, sourceIP string) bool
}

// RateLimiter counts deliveries per tenant
type RateLimiter interface {
	CheckLimit(ctx context.Context, tenantID uuid.UUID, limit int) (*ratelimit.RateLimitResult, error)
}

// Delivery is one inbound ticket webhook request
type Delivery struct {
	TenantID  uuid.UUID
	Body      []byte
	Signature string
	SourceIP  string
}

// Result is the outcome of an accepted delivery
type Result struct {
	JobID     uuid.UUID `json:"job_id"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// Config holds receiver settings
type Config struct {
	DefaultRateLimit int // applied when a tenant has no limit of its own
}

// Receiver turns authenticated ticket webhooks into queued enhancement jobs
type Receiver struct {
	scope    repositories.TenantScope
	tenants  repositories.TenantRepository
	jobs     repositories.JobRepository
	verifier SignatureVerifier
	limiter  RateLimiter
	deduper  queue.Deduper
	queue    queue.Queue
	metrics  *observability.Metrics
	logger   *zap.Logger
	config   Config
	now      func() time.Time
}

// NewReceiver creates a new Receiver instance
func NewReceiver(
	repos *repositories.Repositories,
	verifier SignatureVerifier,
	limiter RateLimiter,
	deduper queue.Deduper,
	q queue.Queue,
	metrics *observability.Metrics,
	logger *zap.Logger,
	config Config,
) *Receiver {
	return &Receiver{
		scope:    repos.Scope,
		tenants:  repos.Tenants,
		jobs:     repos.Jobs,
		verifier: verifier,
		limiter:  limiter,
		deduper:  deduper,
		queue:    q,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Receive authenticates, validates and enqueues one delivery.
// Nothing is enqueued unless every check passes; a duplicate inside the dedupe window
// returns the original job ID.
func (r *Receiver) Receive(ctx context.Context, d *Delivery) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "webhook.receive",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("tenant.id", d.TenantID.String())))
	defer span.End()

	result, outcome, err := r.receive(ctx, d)
	r.count(outcome)
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("job.id", result.JobID.String()),
		attribute.Bool("job.duplicate", result.Duplicate))
	return result, nil
}

func (r *Receiver) receive(ctx context.Context, d *Delivery) (*Result, string, error) {
	// Step 1: Resolve tenant
	tenant, err := services.WithTenantResult(ctx, r.scope, d.TenantID, func(ctx context.Context) (*models.Tenant, error) {
		return r.tenants.GetByID(ctx, d.TenantID)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ResultUnknownTenant, services.ErrTenantNotFound
		}
		r.logger.Error("failed to load tenant for webhook", observability.TenantField(d.TenantID), zap.Error(err))
		return nil, ResultError, services.FromRepository("failed to load tenant", err)
	}
	if !tenant.IsActive {
		return nil, ResultInactiveTenant, services.ErrTenantInactive
	}

	// Step 2: Verify signature over the raw body
	if !r.verifier.VerifyTenant(ctx, tenant, d.Body, d.Signature, d.SourceIP) {
		return nil, ResultUnauthorized, services.ErrInvalidSignature
	}

	// Step 3: Parse and validate payload
	ticket, err := parsePayload(d.Body)
	if err != nil {
		return nil, ResultInvalidPayload, err
	}

	// Step 4: Per-tenant rate limit
	limit := tenant.RateLimitPerMinute
	if limit == 0 {
		limit = r.config.DefaultRateLimit
	}
	rl, err := r.limiter.CheckLimit(ctx, tenant.ID, limit)
	if err != nil {
		r.logger.Error("rate limiter unavailable", observability.TenantField(tenant.ID), zap.Error(err))
		return nil, ResultUnavailable, services.NewDomainError(services.ErrorTypeUnavailable, "rate limiter unavailable", err)
	}
	if !rl.Allowed {
		return nil, ResultRateLimited, services.NewDomainError(services.ErrorTypeRateLimit, "rate limit exceeded", nil).
			WithDetail("limit", rl.Limit).
			WithDetail("retry_after", rl.RetryAfter(r.now()))
	}

	// Step 5: Idempotency claim
	job := models.NewEnhancementJob(tenant.ID, ticket, json.RawMessage(d.Body))
	existing, claimed, err := r.deduper.Claim(ctx, tenant.ID, ticket.TicketID, job.ID)
	if err != nil {
		r.logger.Error("dedupe store unavailable", observability.TenantField(tenant.ID), zap.Error(err))
		return nil, ResultUnavailable, services.NewDomainError(services.ErrorTypeUnavailable, "dedupe store unavailable", err)
	}
	if !claimed {
		r.logger.Info("duplicate ticket delivery",
			observability.TenantField(tenant.ID),
			zap.String("ticket_id", ticket.TicketID),
			observability.JobField(existing))
		return &Result{JobID: existing, Duplicate: true}, ResultDuplicate, nil
	}

	// Step 6: Persist and enqueue in one tenant transaction
	if err := r.persistAndEnqueue(ctx, job); err != nil {
		if relErr := r.deduper.Release(context.WithoutCancel(ctx), tenant.ID, ticket.TicketID); relErr != nil {
			r.logger.Warn("failed to release dedupe claim", observability.TenantField(tenant.ID), zap.Error(relErr))
		}
		if services.IsUnavailableError(err) {
			return nil, ResultUnavailable, err
		}
		return nil, ResultError, err
	}

	r.logger.Info("enqueued enhancement job",
		observability.TenantField(tenant.ID),
		observability.JobField(job.ID),
		zap.String("ticket_id", job.TicketID))
	return &Result{JobID: job.ID}, ResultAccepted, nil
}

// persistAndEnqueue inserts the job row and pushes its envelope. A failed enqueue rolls
// the row back.
func (r *Receiver) persistAndEnqueue(ctx context.Context, job *models.EnhancementJob) error {
	return r.scope.WithTenantContext(ctx, job.TenantID, func(ctx context.Context) error {
		if err := r.jobs.Create(ctx, job); err != nil {
			return services.FromRepository("failed to create job", err)
		}
		env := &queue.Envelope{
			JobID:        job.ID,
			TenantID:     job.TenantID,
			TicketID:     job.TicketID,
			Payload:      job.Payload,
			EnqueuedAt:   r.now().UTC(),
			TraceCarrier: observability.InjectCarrier(ctx),
		}
		if err := r.queue.Enqueue(ctx, env); err != nil {
			r.logger.Error("failed to enqueue job", observability.JobField(job.ID), zap.Error(err))
			return services.NewDomainError(services.ErrorTypeUnavailable, "job queue unavailable", err)
		}
		return nil
	})
}

func parsePayload(body []byte) (*models.TicketPayload, error) {
	var ticket models.TicketPayload
	if err := json.Unmarshal(body, &ticket); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "malformed ticket payload", err)
	}
	if err := utils.ValidateStruct(&ticket); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, "malformed ticket payload", err)
		if fields := utils.GetValidationFields(err); fields != nil {
			domainErr.WithDetail("fields", fields)
		}
		return nil, domainErr
	}
	return &ticket, nil
}

func (r *Receiver) count(outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookResults.WithLabelValues(outcome).Inc()
	}
}
