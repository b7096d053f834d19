package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

const tenantColumns = `
	id, name, base_url, api_credential_sealed, webhook_secret_sealed, preferences,
	rate_limit_per_minute, base_budget_limit, effective_budget_limit, current_spend,
	budget_window_seconds, budget_window_start, budget_window_end, is_active, created_at, updated_at`

// TenantRepository implements the repositories.TenantRepository interface
type TenantRepository struct {
	logger *zap.Logger
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(logger *zap.Logger) repositories.TenantRepository {
	return &TenantRepository{logger: logger}
}

// Create creates a new tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("tenants", scopeTenant, tenant.ID); err != nil {
		return err
	}

	prefs, err := tenant.PreferencesJSON()
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	query := `
		INSERT INTO tenants (` + tenantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = executor.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.BaseURL,
		tenant.APICredentialSealed,
		tenant.WebhookSecretSealed,
		prefs,
		tenant.RateLimitPerMinute,
		tenant.BaseBudgetLimit,
		tenant.EffectiveBudgetLimit,
		tenant.CurrentSpend,
		int64(tenant.BudgetWindow/time.Second),
		tenant.BudgetWindowStart,
		tenant.BudgetWindowEnd,
		tenant.IsActive,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "create tenant")
	}

	r.logger.Info("tenant created", zap.String("tenant_id", tenant.ID.String()))
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.get(ctx, id, "")
}

// LockForUpdate retrieves a tenant and locks its row for the rest of the scope
func (r *TenantRepository) LockForUpdate(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.get(ctx, id, "FOR UPDATE")
}

func (r *TenantRepository) get(ctx context.Context, id uuid.UUID, lock string) (*models.Tenant, error) {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 ` + lock

	tenant := &models.Tenant{}
	var prefs []byte
	var windowSeconds int64
	err = executor.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.BaseURL,
		&tenant.APICredentialSealed,
		&tenant.WebhookSecretSealed,
		&prefs,
		&tenant.RateLimitPerMinute,
		&tenant.BaseBudgetLimit,
		&tenant.EffectiveBudgetLimit,
		&tenant.CurrentSpend,
		&windowSeconds,
		&tenant.BudgetWindowStart,
		&tenant.BudgetWindowEnd,
		&tenant.IsActive,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "get tenant")
	}
	if err := repositories.CheckTenant("tenants", scopeTenant, tenant.ID); err != nil {
		return nil, err
	}

	tenant.BudgetWindow = time.Duration(windowSeconds) * time.Second
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &tenant.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode tenant preferences: %w", err)
		}
	}

	return tenant, nil
}

// Update updates mutable tenant configuration
func (r *TenantRepository) Update(ctx context.Context, tenant *models.Tenant) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("tenants", scopeTenant, tenant.ID); err != nil {
		return err
	}

	prefs, err := tenant.PreferencesJSON()
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	tenant.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE tenants
		SET name = $2, base_url = $3, api_credential_sealed = $4, webhook_secret_sealed = $5,
		    preferences = $6, rate_limit_per_minute = $7, base_budget_limit = $8,
		    budget_window_seconds = $9, updated_at = $10
		WHERE id = $1
	`
	result, err := executor.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.BaseURL,
		tenant.APICredentialSealed,
		tenant.WebhookSecretSealed,
		prefs,
		tenant.RateLimitPerMinute,
		tenant.BaseBudgetLimit,
		int64(tenant.BudgetWindow/time.Second),
		tenant.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update tenant")
	}
	return requireRow(result, "update tenant")
}

// SoftDelete marks a tenant inactive; rows are kept for audit history
func (r *TenantRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	executor, _, err := GetExecutor(ctx)
	if err != nil {
		return err
	}

	result, err := executor.ExecContext(ctx,
		`UPDATE tenants SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "deactivate tenant")
	}
	return requireRow(result, "deactivate tenant")
}

// AddSpend increments spend in a single statement and returns the new total
func (r *TenantRepository) AddSpend(ctx context.Context, id uuid.UUID, amount float64) (float64, error) {
	executor, _, err := GetExecutor(ctx)
	if err != nil {
		return 0, err
	}

	var total float64
	err = executor.QueryRowContext(ctx,
		`UPDATE tenants SET current_spend = current_spend + $2, updated_at = now() WHERE id = $1 RETURNING current_spend`,
		id, amount,
	).Scan(&total)
	if err != nil {
		return 0, mapError(err, "add tenant spend")
	}
	return total, nil
}

// SaveBudgetWindow persists spend and window bounds
func (r *TenantRepository) SaveBudgetWindow(ctx context.Context, tenant *models.Tenant) error {
	executor, scopeTenant, err := GetExecutor(ctx)
	if err != nil {
		return err
	}
	if err := repositories.CheckTenant("tenants", scopeTenant, tenant.ID); err != nil {
		return err
	}

	result, err := executor.ExecContext(ctx, `
		UPDATE tenants
		SET current_spend = $2, budget_window_start = $3, budget_window_end = $4, updated_at = $5
		WHERE id = $1
	`, tenant.ID, tenant.CurrentSpend, tenant.BudgetWindowStart, tenant.BudgetWindowEnd, tenant.UpdatedAt)
	if err != nil {
		return mapError(err, "save budget window")
	}
	return requireRow(result, "save budget window")
}

// SetEffectiveLimit sets the limit enforced by workers
func (r *TenantRepository) SetEffectiveLimit(ctx context.Context, id uuid.UUID, limit float64) error {
	executor, _, err := GetExecutor(ctx)
	if err != nil {
		return err
	}

	result, err := executor.ExecContext(ctx,
		`UPDATE tenants SET effective_budget_limit = $2, updated_at = now() WHERE id = $1`, id, limit)
	if err != nil {
		return mapError(err, "set effective limit")
	}
	return requireRow(result, "set effective limit")
}

// TenantRegistry implements repositories.TenantRegistry through the active_tenant_ids() function
type TenantRegistry struct {
	db *DB
}

// NewTenantRegistry creates a new tenant registry
func NewTenantRegistry(db *DB) repositories.TenantRegistry {
	return &TenantRegistry{db: db}
}

// ListActiveTenantIDs returns the ids of all active tenants
func (r *TenantRegistry) ListActiveTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM active_tenant_ids()`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant ids: %w", err)
	}
	return ids, nil
}
