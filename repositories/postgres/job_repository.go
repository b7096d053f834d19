package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

const jobColumns = `
	id, tenant_id, ticket_id, payload, status, phase, attempt_count, unavailable_sources,
	result, cost, error_detail, created_at, started_at, completed_at`

// JobRepository implements the repositories.JobRepository interface
type JobRepository struct {
	logger *zap.Logger
}

// NewJobRepository creates a new job repository
func NewJobRepository(logger *zap.Logger) repositories.JobRepository {
	return &JobRepository{logger: logger}
}

// Create creates a new enhancement job
func (r *JobRepository) Create(ctx context.Context, job *models.EnhancementJob) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("enhancement_jobs", scopeTenant, job.TenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO enhancement_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = executor.ExecContext(ctx, query,
		job.ID,
		job.TenantID,
		job.TicketID,
		[]byte(job.Payload),
		job.Status,
		job.Phase,
		job.AttemptCount,
		pq.Array(sourcesToStrings(job.UnavailableSources)),
		job.Result,
		job.Cost,
		job.ErrorDetail,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return mapError(err, "create job")
	}

	r.logger.Debug("job created",
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("job_id", job.ID.String()))
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EnhancementJob, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM enhancement_jobs WHERE id = $1`
	job, err := scanJob(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "get job")
	}
	if err := repositories.CheckTenant("enhancement_jobs", scopeTenant, job.TenantID); err != nil {
		return nil, err
	}
	return job, nil
}

// Update persists the mutable job fields
func (r *JobRepository) Update(ctx context.Context, job *models.EnhancementJob) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("enhancement_jobs", scopeTenant, job.TenantID); err != nil {
		return err
	}

	query := `
		UPDATE enhancement_jobs
		SET status = $2, phase = $3, attempt_count = $4, unavailable_sources = $5,
		    result = $6, cost = $7, error_detail = $8, started_at = $9, completed_at = $10
		WHERE id = $1
	`
	result, err := executor.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.Phase,
		job.AttemptCount,
		pq.Array(sourcesToStrings(job.UnavailableSources)),
		job.Result,
		job.Cost,
		job.ErrorDetail,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return mapError(err, "update job")
	}
	return requireRow(result, "update job")
}

// List retrieves jobs matching the filter, newest first.
// The query carries no tenant predicate; visibility is decided by the row policy.
func (r *JobRepository) List(ctx context.Context, filter repositories.JobFilter) ([]*models.EnhancementJob, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT ` + jobColumns + `
		FROM enhancement_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR ticket_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryJobs(ctx, query, string(filter.Status), filter.TicketID, limit, filter.Offset)
}

// ListHistory retrieves recently completed jobs for other tickets
func (r *JobRepository) ListHistory(ctx context.Context, excludeTicketID string, limit int) ([]*models.EnhancementJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM enhancement_jobs
		WHERE status = 'completed' AND ticket_id <> $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	return r.queryJobs(ctx, query, excludeTicketID, limit)
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.EnhancementJob, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.EnhancementJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := repositories.CheckTenant("enhancement_jobs", scopeTenant, job.TenantID); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.EnhancementJob, error) {
	job := &models.EnhancementJob{}
	var payload []byte
	var sources []string
	var result, errorDetail sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.TicketID,
		&payload,
		&job.Status,
		&job.Phase,
		&job.AttemptCount,
		pq.Array(&sources),
		&result,
		&job.Cost,
		&errorDetail,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	for _, s := range sources {
		job.UnavailableSources = append(job.UnavailableSources, models.ContextSource(s))
	}
	if result.Valid {
		job.Result = &result.String
	}
	if errorDetail.Valid {
		job.ErrorDetail = &errorDetail.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func sourcesToStrings(sources []models.ContextSource) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, string(s))
	}
	return out
}
