// Package jobs answers admin queries about enhancement jobs and replays dead-lettered ones.
package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/services/queue"
	"go.uber.org/zap"
)

const maxListLimit = 200

// Service reads jobs and audit logs for one tenant at a time
type Service struct {
	scope     repositories.TenantScope
	jobs      repositories.JobRepository
	auditLogs repositories.AuditRepository
	queue     queue.Queue
	logger    *zap.Logger
}

// NewService creates a new Service instance
func NewService(repos *repositories.Repositories, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		scope:     repos.Scope,
		jobs:      repos.Jobs,
		auditLogs: repos.AuditLogs,
		queue:     q,
		logger:    logger,
	}
}

// Get returns one of the tenant's jobs
func (s *Service) Get(ctx context.Context, tenantID, jobID uuid.UUID) (*models.EnhancementJob, error) {
	job, err := services.WithTenantResult(ctx, s.scope, tenantID, func(ctx context.Context) (*models.EnhancementJob, error) {
		return s.jobs.GetByID(ctx, jobID)
	})
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrJobNotFound
	}
	if err != nil {
		return nil, services.FromRepository("failed to load job", err)
	}
	return job, nil
}

// List returns the tenant's jobs, newest first
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter repositories.JobFilter) ([]*models.EnhancementJob, error) {
	filter.Limit = clampLimit(filter.Limit)
	jobs, err := services.WithTenantResult(ctx, s.scope, tenantID, func(ctx context.Context) ([]*models.EnhancementJob, error) {
		return s.jobs.List(ctx, filter)
	})
	if err != nil {
		return nil, services.FromRepository("failed to list jobs", err)
	}
	return jobs, nil
}

// AuditLogs returns the tenant's audit entries, newest first
func (s *Service) AuditLogs(ctx context.Context, tenantID uuid.UUID, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	filter.Limit = clampLimit(filter.Limit)
	logs, err := services.WithTenantResult(ctx, s.scope, tenantID, func(ctx context.Context) ([]*models.AuditLog, error) {
		return s.auditLogs.List(ctx, filter)
	})
	if err != nil {
		return nil, services.FromRepository("failed to list audit logs", err)
	}
	return logs, nil
}

// DeadLetters returns parked jobs across tenants, oldest first
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	letters, err := s.queue.ListDeadLetters(ctx, clampLimit(limit))
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue unavailable", err)
	}
	return letters, nil
}

// Depth reports queue occupancy
func (s *Service) Depth(ctx context.Context) (queue.Depth, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return depth, services.NewDomainError(services.ErrorTypeUnavailable, "job queue unavailable", err)
	}
	return depth, nil
}

// Replay returns a dead-lettered job to the ready list. A job that already holds a
// synthesis result resumes at write-back, so it is not charged twice.
func (s *Service) Replay(ctx context.Context, tenantID, jobID uuid.UUID, actor string) (*models.EnhancementJob, error) {
	job, err := services.WithTenantResult(ctx, s.scope, tenantID, func(ctx context.Context) (*models.EnhancementJob, error) {
		job, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status != models.JobStatusDeadLettered {
			return nil, services.ErrJobNotReplayable
		}

		previous := ""
		if job.ErrorDetail != nil {
			previous = *job.ErrorDetail
		}
		attempts := job.AttemptCount
		job.Status = models.JobStatusQueued
		job.Phase = models.PhaseReceived
		job.AttemptCount = 0
		job.CompletedAt = nil
		job.ErrorDetail = nil
		if err := s.jobs.Update(ctx, job); err != nil {
			return nil, err
		}

		log := models.NewAuditLog(tenantID, models.AuditActionJobReplayed, "job").
			WithActor(actor).
			WithResource(jobID).
			WithDetails(map[string]interface{}{
				"ticket_id":      job.TicketID,
				"attempt_count":  attempts,
				"previous_error": previous,
			})
		if err := s.auditLogs.Insert(ctx, log); err != nil {
			return nil, err
		}

		// Last, so a queue failure rolls the row back
		if err := s.queue.Replay(ctx, jobID); err != nil {
			if errors.Is(err, queue.ErrNotDeadLettered) {
				return nil, services.ErrJobNotReplayable
			}
			return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue unavailable", err)
		}
		return job, nil
	})
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrJobNotFound
	}
	if err != nil {
		return nil, services.FromRepository("failed to replay job", err)
	}

	s.logger.Info("dead-lettered job replayed",
		observability.TenantField(tenantID),
		observability.JobField(jobID),
		zap.String("actor", actor))
	return job, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
