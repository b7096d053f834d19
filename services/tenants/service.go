// Package tenants onboards, updates and deactivates tenants. Credentials and webhook
// secrets are sealed before they reach the repository and are never returned.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/internal/observability"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"github.com/upb/ticket-enhancer/services"
	"github.com/upb/ticket-enhancer/utils"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Sealer encrypts secrets for storage
type Sealer interface {
	SealString(plaintext string) (string, error)
}

// LimitSetter pushes the enforced spend limit to the budget provider
type LimitSetter interface {
	SetLimit(ctx context.Context, tenantID uuid.UUID, limit float64) error
}

// CreateRequest represents a tenant onboarding request
type CreateRequest struct {
	Name               string             `json:"name" yaml:"name" validate:"required,max=200"`
	BaseURL            string             `json:"base_url" yaml:"base_url" validate:"required,url"`
	APICredential      string             `json:"api_credential" yaml:"api_credential" validate:"required"`
	WebhookSecret      string             `json:"webhook_secret" yaml:"webhook_secret" validate:"required,min=16"`
	Preferences        models.Preferences `json:"preferences" yaml:"preferences"`
	RateLimitPerMinute int                `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gte=0"`
	BudgetLimit        float64            `json:"budget_limit" yaml:"budget_limit" validate:"gte=0"`
	BudgetWindow       string             `json:"budget_window,omitempty" yaml:"budget_window"` // Go duration, default 24h
}

// UpdateRequest changes mutable tenant configuration. Nil fields are left unchanged.
type UpdateRequest struct {
	BaseURL            *string             `json:"base_url,omitempty" validate:"omitempty,url"`
	Preferences        *models.Preferences `json:"preferences,omitempty"`
	RateLimitPerMinute *int                `json:"rate_limit_per_minute,omitempty" validate:"omitempty,gte=0"`
	BaseBudgetLimit    *float64            `json:"base_budget_limit,omitempty" validate:"omitempty,gte=0"`
}

// ImportFile is the YAML document accepted by Import
type ImportFile struct {
	Tenants []CreateRequest `yaml:"tenants"`
}

// Service manages tenant lifecycle
type Service struct {
	scope     repositories.TenantScope
	tenants   repositories.TenantRepository
	overrides repositories.BudgetOverrideRepository
	auditLogs repositories.AuditRepository
	sealer    Sealer
	limits    LimitSetter
	logger    *zap.Logger
}

// NewService creates a new Service instance
func NewService(repos *repositories.Repositories, sealer Sealer, limits LimitSetter, logger *zap.Logger) *Service {
	return &Service{
		scope:     repos.Scope,
		tenants:   repos.Tenants,
		overrides: repos.Overrides,
		auditLogs: repos.AuditLogs,
		sealer:    sealer,
		limits:    limits,
		logger:    logger,
	}
}

// Create seals the request's secrets and inserts an active tenant
func (s *Service) Create(ctx context.Context, req *CreateRequest, actor string) (*models.Tenant, error) {
	if err := utils.ValidateStruct(req); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, "invalid tenant", err)
		if fields := utils.GetValidationFields(err); fields != nil {
			domainErr.WithDetail("fields", fields)
		}
		return nil, domainErr
	}
	window := models.DefaultBudgetWindow
	if req.BudgetWindow != "" {
		parsed, err := time.ParseDuration(req.BudgetWindow)
		if err != nil || parsed <= 0 {
			return nil, services.NewDomainError(services.ErrorTypeValidation, "budget_window must be a positive duration", err)
		}
		window = parsed
	}

	tenant := models.NewTenant(req.Name, req.BaseURL, req.BudgetLimit, window)
	tenant.Preferences = req.Preferences
	tenant.RateLimitPerMinute = req.RateLimitPerMinute

	var err error
	if tenant.APICredentialSealed, err = s.sealer.SealString(req.APICredential); err != nil {
		return nil, services.WrapInternal("failed to seal api credential", err)
	}
	if tenant.WebhookSecretSealed, err = s.sealer.SealString(req.WebhookSecret); err != nil {
		return nil, services.WrapInternal("failed to seal webhook secret", err)
	}

	err = s.scope.WithTenantContext(ctx, tenant.ID, func(ctx context.Context) error {
		if err := s.tenants.Create(ctx, tenant); err != nil {
			return err
		}
		log := models.NewAuditLog(tenant.ID, models.AuditActionTenantCreated, "tenant").
			WithActor(actor).
			WithResource(tenant.ID).
			WithDetails(map[string]interface{}{
				"name":          tenant.Name,
				"base_url":      tenant.BaseURL,
				"budget_limit":  tenant.BaseBudgetLimit,
				"budget_window": tenant.BudgetWindow.String(),
			})
		return s.auditLogs.Insert(ctx, log)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, services.ErrDuplicateTenant
		}
		return nil, services.FromRepository("failed to create tenant", err)
	}

	s.logger.Info("tenant created",
		observability.TenantField(tenant.ID),
		zap.String("name", tenant.Name),
		zap.String("actor", actor))
	return tenant, nil
}

// Get returns the tenant. Sealed secrets are never serialized.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	tenant, err := services.WithTenantResult(ctx, s.scope, id, func(ctx context.Context) (*models.Tenant, error) {
		return s.tenants.GetByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTenantNotFound
		}
		return nil, services.FromRepository("failed to load tenant", err)
	}
	return tenant, nil
}

// Update applies the non-nil fields of req
func (s *Service) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest, actor string) (*models.Tenant, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid tenant update", err)
	}

	tenant, err := services.WithTenantResult(ctx, s.scope, id, func(ctx context.Context) (*models.Tenant, error) {
		tenant, err := s.tenants.LockForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		changed := make([]string, 0, 4)
		if req.BaseURL != nil {
			tenant.BaseURL = *req.BaseURL
			changed = append(changed, "base_url")
		}
		if req.Preferences != nil {
			tenant.Preferences = *req.Preferences
			changed = append(changed, "preferences")
		}
		if req.RateLimitPerMinute != nil {
			tenant.RateLimitPerMinute = *req.RateLimitPerMinute
			changed = append(changed, "rate_limit_per_minute")
		}
		if req.BaseBudgetLimit != nil {
			tenant.BaseBudgetLimit = *req.BaseBudgetLimit
			changed = append(changed, "base_budget_limit")
		}
		tenant.UpdatedAt = time.Now().UTC()
		if err := s.tenants.Update(ctx, tenant); err != nil {
			return nil, err
		}

		details := map[string]interface{}{"fields": changed}
		if req.BaseBudgetLimit != nil {
			enforced, err := s.applyBaseLimit(ctx, tenant)
			if err != nil {
				return nil, err
			}
			details["base_budget_limit"] = tenant.BaseBudgetLimit
			details["effective_budget_limit"] = tenant.EffectiveBudgetLimit
			details["override_active"] = !enforced
		}

		log := models.NewAuditLog(id, models.AuditActionTenantUpdated, "tenant").
			WithActor(actor).
			WithResource(id).
			WithDetails(details)
		if err := s.auditLogs.Insert(ctx, log); err != nil {
			return nil, err
		}
		return tenant, nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTenantNotFound
		}
		return nil, services.FromRepository("failed to update tenant", err)
	}
	s.logger.Info("tenant updated", observability.TenantField(id), zap.String("actor", actor))
	return tenant, nil
}

// applyBaseLimit makes the new base limit the enforced one unless an override is active.
// The override's expiry reverts to the base, so it picks the new value up then.
func (s *Service) applyBaseLimit(ctx context.Context, tenant *models.Tenant) (bool, error) {
	_, err := s.overrides.LockForUpdate(ctx, tenant.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return false, err
	}

	if err := s.tenants.SetEffectiveLimit(ctx, tenant.ID, tenant.BaseBudgetLimit); err != nil {
		return false, err
	}
	tenant.EffectiveBudgetLimit = tenant.BaseBudgetLimit
	if s.limits != nil {
		if err := s.limits.SetLimit(ctx, tenant.ID, tenant.BaseBudgetLimit); err != nil {
			return false, services.WrapTransient("budget provider rejected limit update", err)
		}
	}
	return true, nil
}

// Deactivate soft-deletes the tenant. Its rows are kept; deactivating twice is a no-op.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID, actor string) error {
	err := s.scope.WithTenantContext(ctx, id, func(ctx context.Context) error {
		tenant, err := s.tenants.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !tenant.IsActive {
			return nil
		}
		if err := s.tenants.SoftDelete(ctx, id); err != nil {
			return err
		}
		log := models.NewAuditLog(id, models.AuditActionTenantDeactivated, "tenant").
			WithActor(actor).
			WithResource(id)
		return s.auditLogs.Insert(ctx, log)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrTenantNotFound
		}
		return services.FromRepository("failed to deactivate tenant", err)
	}
	s.logger.Info("tenant deactivated", observability.TenantField(id), zap.String("actor", actor))
	return nil
}

// Import creates every tenant in a YAML import file. It stops at the first failure and
// returns the tenants created before it.
func (s *Service) Import(ctx context.Context, r io.Reader, actor string) ([]*models.Tenant, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file ImportFile
	if err := dec.Decode(&file); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid import file", err)
	}
	if len(file.Tenants) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "import file lists no tenants", nil)
	}

	created := make([]*models.Tenant, 0, len(file.Tenants))
	for i := range file.Tenants {
		tenant, err := s.Create(ctx, &file.Tenants[i], actor)
		if err != nil {
			return created, fmt.Errorf("tenant %d (%s): %w", i, file.Tenants[i].Name, err)
		}
		created = append(created, tenant)
	}
	return created, nil
}
