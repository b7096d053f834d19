package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

const (
	setTenantSQL   = "SELECT set_config('app.current_tenant', $1, true)"
	resetTenantSQL = "RESET app.current_tenant"
	resetTimeout   = 2 * time.Second
)

// tenantScopeContextKey is the context key for storing the active tenant scope
type tenantScopeContextKey struct{}

// scope is the per-unit-of-work state stored in the context
type scope struct {
	tx       *sql.Tx
	tenantID uuid.UUID
}

// TenantScope implements repositories.TenantScope on Postgres row-level security
type TenantScope struct {
	db     *DB
	logger *zap.Logger
}

// NewTenantScope creates a new tenant scope
func NewTenantScope(db *DB, logger *zap.Logger) *TenantScope {
	return &TenantScope{
		db:     db,
		logger: logger,
	}
}

// WithTenantContext acquires a dedicated connection, sets app.current_tenant for a
// transaction, runs fn, and resets the setting before the connection returns to the pool
func (s *TenantScope) WithTenantContext(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) (err error) {
	if tenantID == uuid.Nil {
		return repositories.ErrTenantContextRequired
	}

	// Nested scope for the same tenant joins the outer transaction
	if existing, ok := scopeFromContext(ctx); ok {
		if existing.tenantID != tenantID {
			return &repositories.IsolationViolationError{Table: "tenant_scope", Expected: existing.tenantID, Observed: tenantID}
		}
		return fn(ctx)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer s.release(conn, tenantID)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, setTenantSQL, tenantID.String()); err != nil {
		s.rollback(tx, err)
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	scopedCtx := context.WithValue(ctx, tenantScopeContextKey{}, &scope{tx: tx, tenantID: tenantID})

	defer func() {
		if p := recover(); p != nil {
			s.rollback(tx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(scopedCtx); err != nil {
		s.rollback(tx, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *TenantScope) rollback(tx *sql.Tx, cause error) {
	if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
		s.logger.Error("failed to rollback transaction",
			zap.Error(rbErr),
			zap.NamedError("original_error", cause),
		)
	}
}

// release clears the tenant setting with a context that survives cancellation of the
// unit of work. A connection that cannot be reset is discarded instead of pooled.
func (s *TenantScope) release(conn *sql.Conn, tenantID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, resetTenantSQL); err != nil {
		s.logger.Warn("failed to reset tenant context, discarding connection",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("connection close returned error", zap.Error(err))
	}
}

func scopeFromContext(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(tenantScopeContextKey{}).(*scope)
	return sc, ok
}

// TenantFromContext returns the tenant of the active scope, if any
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	sc, ok := scopeFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return sc.tenantID, true
}

// Executor is an interface that can execute queries (both *sql.DB and *sql.Tx)
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the scoped transaction and its tenant.
// Tenant-scoped repositories never fall back to the pool.
func GetExecutor(ctx context.Context) (Executor, uuid.UUID, error) {
	sc, ok := scopeFromContext(ctx)
	if !ok {
		return nil, uuid.Nil, repositories.ErrTenantContextRequired
	}
	return sc.tx, sc.tenantID, nil
}
