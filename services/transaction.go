package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/repositories"
)

// WithTenant executes fn inside the tenant's scope.
// Repository errors are mapped onto domain errors; domain errors pass through.
func WithTenant(ctx context.Context, scope repositories.TenantScope, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if err := scope.WithTenantContext(ctx, tenantID, fn); err != nil {
		return FromRepository("tenant transaction failed", err)
	}
	return nil
}

// WithTenantResult executes fn inside the tenant's scope and returns its result.
// Uses generics to support any return type.
func WithTenantResult[T any](ctx context.Context, scope repositories.TenantScope, tenantID uuid.UUID, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := scope.WithTenantContext(ctx, tenantID, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, FromRepository("tenant transaction failed", err)
	}
	return result, nil
}
