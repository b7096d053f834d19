package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/ticket-enhancer/config"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Wrap adapts an existing *sql.DB, such as a sqlmock handle
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// mapError converts driver errors into repository sentinels
func mapError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, repositories.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, repositories.ErrConflict)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// requireRow turns an update that matched nothing into ErrNotFound
func requireRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, repositories.ErrNotFound)
	}
	return nil
}

// tenantScopedTables lists every table carrying the isolation key, with that key's column
var tenantScopedTables = []struct {
	Name   string
	Column string
}{
	{"tenants", "id"},
	{"enhancement_jobs", "tenant_id"},
	{"budget_overrides", "tenant_id"},
	{"audit_logs", "tenant_id"},
}

// registryRole owns active_tenant_ids(). It may read tenant ids and nothing else, so
// the function can list tenants while the owner stays subject to FORCE ROW LEVEL SECURITY.
const registryRole = "tenant_registry"

// InitSchema initializes the database schema, row-level security policies and role grants.
// It must run as the schema owner, which must not be appRole; appRole must exist and must
// not have BYPASSRLS.
func (db *DB) InitSchema(ctx context.Context, appRole string) error {
	if appRole == "" {
		return fmt.Errorf("application role is required")
	}
	var owner string
	var appRoleExists bool
	if err := db.QueryRowContext(ctx,
		`SELECT current_user, EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, appRole,
	).Scan(&owner, &appRoleExists); err != nil {
		return fmt.Errorf("failed to inspect database roles: %w", err)
	}
	if owner == appRole {
		return fmt.Errorf("schema must be migrated by its owner, not the application role %q", appRole)
	}
	if !appRoleExists {
		return fmt.Errorf("application role %q does not exist", appRole)
	}

	schema := `
		-- Tenants table
		CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			api_credential_sealed TEXT NOT NULL DEFAULT '',
			webhook_secret_sealed TEXT NOT NULL DEFAULT '',
			preferences JSONB NOT NULL DEFAULT '{}',
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
			base_budget_limit NUMERIC(14, 6) NOT NULL DEFAULT 0,
			effective_budget_limit NUMERIC(14, 6) NOT NULL DEFAULT 0,
			current_spend NUMERIC(14, 6) NOT NULL DEFAULT 0,
			budget_window_seconds BIGINT NOT NULL DEFAULT 86400,
			budget_window_start TIMESTAMPTZ NOT NULL DEFAULT now(),
			budget_window_end TIMESTAMPTZ NOT NULL DEFAULT now() + interval '1 day',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		-- Enhancement jobs table
		CREATE TABLE IF NOT EXISTS enhancement_jobs (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL REFERENCES tenants(id),
			ticket_id VARCHAR(128) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(32) NOT NULL,
			phase VARCHAR(32) NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			unavailable_sources TEXT[] NOT NULL DEFAULT '{}',
			result TEXT,
			cost NUMERIC(14, 6) NOT NULL DEFAULT 0,
			error_detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);

		-- Budget overrides table, at most one per tenant
		CREATE TABLE IF NOT EXISTS budget_overrides (
			tenant_id UUID PRIMARY KEY REFERENCES tenants(id),
			amount NUMERIC(14, 6) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			granted_by VARCHAR(255) NOT NULL DEFAULT '',
			granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		);

		-- Audit logs table (append-only, no FK so rejected deliveries stay recorded)
		CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			tenant_id UUID NOT NULL,
			action VARCHAR(100) NOT NULL,
			actor VARCHAR(255) NOT NULL,
			resource_type VARCHAR(100) NOT NULL,
			resource_id UUID,
			details JSONB NOT NULL DEFAULT '{}',
			ip_address VARCHAR(45),
			request_id VARCHAR(255),
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_enhancement_jobs_tenant_status ON enhancement_jobs(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_enhancement_jobs_tenant_ticket ON enhancement_jobs(tenant_id, ticket_id);
		CREATE INDEX IF NOT EXISTS idx_enhancement_jobs_created_at ON enhancement_jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_budget_overrides_expires_at ON budget_overrides(expires_at);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_action ON audit_logs(tenant_id, action);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);

		-- Privileged listing for sweeps and the canary; returns ids only
		CREATE OR REPLACE FUNCTION active_tenant_ids() RETURNS SETOF UUID
			LANGUAGE sql STABLE SECURITY DEFINER SET search_path = public
			AS $$ SELECT id FROM tenants WHERE is_active ORDER BY id $$;
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	for _, t := range tenantScopedTables {
		if _, err := db.ExecContext(ctx, rowLevelSecuritySQL(t.Name, t.Column)); err != nil {
			return fmt.Errorf("failed to enable row level security on %s: %w", t.Name, err)
		}
	}

	if _, err := db.ExecContext(ctx, rolesSQL(appRole)); err != nil {
		return fmt.Errorf("failed to grant database roles: %w", err)
	}

	db.logger.Info("database schema initialized successfully",
		zap.String("owner", owner),
		zap.String("app_role", appRole))
	return nil
}

// rolesSQL creates the registry role, hands it active_tenant_ids() and grants appRole
// DML on every tenant-scoped table. appRole gets no ownership, so FORCE ROW LEVEL SECURITY
// and the tenant policies bind it.
func rolesSQL(appRole string) string {
	tables := make([]string, 0, len(tenantScopedTables))
	for _, t := range tenantScopedTables {
		tables = append(tables, t.Name)
	}
	app := pq.QuoteIdentifier(appRole)

	return fmt.Sprintf(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%[1]s') THEN
				CREATE ROLE %[1]s NOLOGIN;
			END IF;
		END
		$$;
		GRANT %[1]s TO CURRENT_USER;
		GRANT USAGE ON SCHEMA public TO %[1]s, %[2]s;

		GRANT SELECT (id, is_active) ON tenants TO %[1]s;
		DROP POLICY IF EXISTS tenants_registry_scan ON tenants;
		CREATE POLICY tenants_registry_scan ON tenants FOR SELECT TO %[1]s USING (true);

		-- A new function owner needs CREATE on the schema only for the transfer itself
		GRANT CREATE ON SCHEMA public TO %[1]s;
		ALTER FUNCTION active_tenant_ids() OWNER TO %[1]s;
		REVOKE CREATE ON SCHEMA public FROM %[1]s;
		REVOKE ALL ON FUNCTION active_tenant_ids() FROM PUBLIC;
		GRANT EXECUTE ON FUNCTION active_tenant_ids() TO %[2]s;

		GRANT SELECT, INSERT, UPDATE, DELETE ON %[3]s TO %[2]s;
	`, registryRole, app, strings.Join(tables, ", "))
}

// rowLevelSecuritySQL builds the policy restricting a table to app.current_tenant.
// An unset or reset setting yields NULL, which matches no rows.
func rowLevelSecuritySQL(table, column string) string {
	return fmt.Sprintf(`
		ALTER TABLE %[1]s ENABLE ROW LEVEL SECURITY;
		ALTER TABLE %[1]s FORCE ROW LEVEL SECURITY;
		DROP POLICY IF EXISTS %[1]s_tenant_isolation ON %[1]s;
		CREATE POLICY %[1]s_tenant_isolation ON %[1]s
			USING (%[2]s = NULLIF(current_setting('app.current_tenant', true), '')::uuid)
			WITH CHECK (%[2]s = NULLIF(current_setting('app.current_tenant', true), '')::uuid);
	`, table, column)
}
