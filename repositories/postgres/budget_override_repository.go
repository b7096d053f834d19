package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

const overrideColumns = `tenant_id, amount, reason, granted_by, granted_at, expires_at`

// BudgetOverrideRepository implements the repositories.BudgetOverrideRepository interface
type BudgetOverrideRepository struct {
	logger *zap.Logger
}

// NewBudgetOverrideRepository creates a new budget override repository
func NewBudgetOverrideRepository(logger *zap.Logger) repositories.BudgetOverrideRepository {
	return &BudgetOverrideRepository{logger: logger}
}

// Upsert inserts or replaces the tenant's single active override (last write wins)
func (r *BudgetOverrideRepository) Upsert(ctx context.Context, override *models.BudgetOverride) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("budget_overrides", scopeTenant, override.TenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO budget_overrides (` + overrideColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE
		SET amount = EXCLUDED.amount,
		    reason = EXCLUDED.reason,
		    granted_by = EXCLUDED.granted_by,
		    granted_at = EXCLUDED.granted_at,
		    expires_at = EXCLUDED.expires_at
	`
	_, err = executor.ExecContext(ctx, query,
		override.TenantID,
		override.Amount,
		override.Reason,
		override.GrantedBy,
		override.GrantedAt,
		override.ExpiresAt,
	)
	if err != nil {
		return mapError(err, "upsert budget override")
	}

	r.logger.Info("budget override granted",
		zap.String("tenant_id", override.TenantID.String()),
		zap.Float64("amount", override.Amount),
		zap.Time("expires_at", override.ExpiresAt))
	return nil
}

// Get returns the tenant's active override
func (r *BudgetOverrideRepository) Get(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error) {
	return r.get(ctx, tenantID, "")
}

// LockForUpdate returns the tenant's override and holds its row lock
func (r *BudgetOverrideRepository) LockForUpdate(ctx context.Context, tenantID uuid.UUID) (*models.BudgetOverride, error) {
	return r.get(ctx, tenantID, "FOR UPDATE")
}

func (r *BudgetOverrideRepository) get(ctx context.Context, tenantID uuid.UUID, lock string) (*models.BudgetOverride, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	o := &models.BudgetOverride{}
	err = executor.QueryRowContext(ctx,
		`SELECT `+overrideColumns+` FROM budget_overrides WHERE tenant_id = $1 `+lock, tenantID,
	).Scan(&o.TenantID, &o.Amount, &o.Reason, &o.GrantedBy, &o.GrantedAt, &o.ExpiresAt)
	if err != nil {
		return nil, mapError(err, "get budget override")
	}
	if err := repositories.CheckTenant("budget_overrides", scopeTenant, o.TenantID); err != nil {
		return nil, err
	}
	return o, nil
}

// Delete removes the tenant's override
func (r *BudgetOverrideRepository) Delete(ctx context.Context, tenantID uuid.UUID) error {
	executor, _, err := GetExecutor(ctx)
	if err != nil {
		return err
	}

	result, err := executor.ExecContext(ctx, `DELETE FROM budget_overrides WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return mapError(err, "delete budget override")
	}
	return requireRow(result, "delete budget override")
}
