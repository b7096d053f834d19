package postgres

import (
	"context"
	"fmt"

	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

const auditColumns = `
	id, tenant_id, action, actor, resource_type, resource_id,
	details, ip_address, request_id, timestamp`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{logger: logger}
}

// Insert inserts a new audit log entry in the current scope's transaction
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("audit_logs", scopeTenant, log.TenantID); err != nil {
		return err
	}

	details := []byte(log.Details)
	if len(details) == 0 {
		details = []byte(`{}`)
	}

	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = executor.ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.Action,
		log.Actor,
		log.ResourceType,
		log.ResourceID,
		details,
		log.IPAddress,
		log.RequestID,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// List retrieves audit logs for the current tenant with optional filters
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE ($1 = '' OR action = $1)
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp < $3)
		ORDER BY timestamp DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := executor.QueryContext(ctx, query, string(filter.Action), filter.Since, filter.Until, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		var ip, requestID *string
		err := rows.Scan(
			&log.ID,
			&log.TenantID,
			&log.Action,
			&log.Actor,
			&log.ResourceType,
			&log.ResourceID,
			&details,
			&ip,
			&requestID,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := repositories.CheckTenant("audit_logs", scopeTenant, log.TenantID); err != nil {
			return nil, err
		}
		log.Details = details
		if ip != nil {
			log.IPAddress = *ip
		}
		if requestID != nil {
			log.RequestID = *requestID
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return logs, nil
}

// CountByAction counts entries of one kind for the current tenant
func (r *AuditRepository) CountByAction(ctx context.Context, action models.AuditAction) (int, error) {
	executor, _, err := GetExecutor(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	if err := executor.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_logs WHERE action = $1`, action,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}
