package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ticket-enhancer/models"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

var tenantRowColumns = []string{
	"id", "name", "base_url", "api_credential_sealed", "webhook_secret_sealed", "preferences",
	"rate_limit_per_minute", "base_budget_limit", "effective_budget_limit", "current_spend",
	"budget_window_seconds", "budget_window_start", "budget_window_end", "is_active", "created_at", "updated_at",
}

func tenantRow(id uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(tenantRowColumns).AddRow(
		id.String(), "Acme", "https://sdp.acme.test", "sealed-cred", "sealed-secret",
		[]byte(`{"model":"gpt-4o-mini","context_sources":["history"]}`),
		60, 100.0, 200.0, 12.5, int64(3600), now, now.Add(time.Hour), true, now, now,
	)
}

// runScoped runs fn inside a mocked tenant scope that commits
func runScoped(t *testing.T, tenantID uuid.UUID, setup func(mock sqlmock.Sqlmock), fn func(ctx context.Context) error) error {
	t.Helper()
	scope, mock := newMockScope(t)
	expectScopeStart(mock, tenantID)
	setup(mock)
	err := scope.WithTenantContext(context.Background(), tenantID, fn)
	require.NoError(t, mock.ExpectationsWereMet())
	return err
}

func TestTenantRepository_GetByID(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenantID := uuid.New()
	now := time.Now().UTC()

	var got *models.Tenant
	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`SELECT (.+) FROM tenants WHERE id = \$1`).
			WithArgs(tenantID).
			WillReturnRows(tenantRow(tenantID, now))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		var err error
		got, err = repo.GetByID(ctx, tenantID)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, tenantID, got.ID)
	assert.Equal(t, time.Hour, got.BudgetWindow)
	assert.Equal(t, 200.0, got.EffectiveBudgetLimit)
	assert.Equal(t, "gpt-4o-mini", got.Preferences.Model)
	assert.True(t, got.Preferences.SourceEnabled(models.ContextSourceHistory))
	assert.False(t, got.Preferences.SourceEnabled(models.ContextSourceKnowledge))
}

func TestTenantRepository_GetByID_ForeignRowIsViolation(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	a, b := uuid.New(), uuid.New()

	err := runScoped(t, a, func(mock sqlmock.Sqlmock) {
		// A misconfigured policy returns B's row under A's context
		mock.ExpectQuery(`SELECT (.+) FROM tenants`).WillReturnRows(tenantRow(b, time.Now()))
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		_, err := repo.GetByID(ctx, b)
		return err
	})

	assert.True(t, repositories.IsIsolationViolation(err))
}

func TestTenantRepository_LockForUpdate(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenantID := uuid.New()

	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM tenants WHERE id = \$1 FOR UPDATE`).
			WithArgs(tenantID).
			WillReturnRows(tenantRow(tenantID, time.Now()))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		_, err := repo.LockForUpdate(ctx, tenantID)
		return err
	})

	require.NoError(t, err)
}

func TestTenantRepository_NotFound(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenantID := uuid.New()

	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM tenants`).WillReturnRows(sqlmock.NewRows(tenantRowColumns))
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		_, err := repo.GetByID(ctx, tenantID)
		return err
	})

	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestTenantRepository_RequiresScope(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrTenantContextRequired)

	_, err = repo.AddSpend(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, repositories.ErrTenantContextRequired)
}

func TestTenantRepository_CreateConflict(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenant := models.NewTenant("Acme", "", 100, time.Hour)

	err := runScoped(t, tenant.ID, func(mock sqlmock.Sqlmock) {
		mock.ExpectExec(`INSERT INTO tenants`).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		return repo.Create(ctx, tenant)
	})

	assert.ErrorIs(t, err, repositories.ErrConflict)
}

func TestTenantRepository_CreateForOtherTenantRejected(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenant := models.NewTenant("Acme", "", 100, time.Hour)

	err := runScoped(t, uuid.New(), func(mock sqlmock.Sqlmock) {
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		return repo.Create(ctx, tenant)
	})

	assert.True(t, repositories.IsIsolationViolation(err))
}

func TestTenantRepository_AddSpend(t *testing.T) {
	repo := NewTenantRepository(zap.NewNop())
	tenantID := uuid.New()

	var total float64
	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`UPDATE tenants SET current_spend = current_spend \+ \$2`).
			WithArgs(tenantID, 0.25).
			WillReturnRows(sqlmock.NewRows([]string{"current_spend"}).AddRow(12.75))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		var err error
		total, err = repo.AddSpend(ctx, tenantID, 0.25)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 12.75, total)
}

func TestTenantRegistry_ListActiveTenantIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM active_tenant_ids()`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := NewTenantRegistry(Wrap(db, zap.NewNop())).ListActiveTenantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var jobRowColumns = []string{
	"id", "tenant_id", "ticket_id", "payload", "status", "phase", "attempt_count", "unavailable_sources",
	"result", "cost", "error_detail", "created_at", "started_at", "completed_at",
}

func TestJobRepository_ListHistory(t *testing.T) {
	repo := NewJobRepository(zap.NewNop())
	tenantID := uuid.New()
	now := time.Now().UTC()

	var jobs []*models.EnhancementJob
	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM enhancement_jobs\s+WHERE status = 'completed' AND ticket_id <> \$1`).
			WithArgs("T-9", 5).
			WillReturnRows(sqlmock.NewRows(jobRowColumns).
				AddRow(uuid.New().String(), tenantID.String(), "T-1", []byte(`{"ticket_id":"T-1"}`),
					"completed", "completed", 1, "{knowledge}", "summary", 0.1, nil, now, now, now))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		var err error
		jobs, err = repo.ListHistory(ctx, "T-9", 5)
		return err
	})

	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "T-1", jobs[0].TicketID)
	assert.Equal(t, []models.ContextSource{models.ContextSourceKnowledge}, jobs[0].UnavailableSources)
	require.NotNil(t, jobs[0].Result)
	assert.Equal(t, "summary", *jobs[0].Result)
	assert.Nil(t, jobs[0].ErrorDetail)
}

func TestJobRepository_ListRejectsForeignRows(t *testing.T) {
	repo := NewJobRepository(zap.NewNop())
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()

	err := runScoped(t, a, func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(`FROM enhancement_jobs`).
			WillReturnRows(sqlmock.NewRows(jobRowColumns).
				AddRow(uuid.New().String(), a.String(), "T-1", []byte(`{}`), "queued", "received", 0, "{}", nil, 0.0, nil, now, nil, nil).
				AddRow(uuid.New().String(), b.String(), "T-2", []byte(`{}`), "queued", "received", 0, "{}", nil, 0.0, nil, now, nil, nil))
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		_, err := repo.List(ctx, repositories.JobFilter{})
		return err
	})

	assert.True(t, repositories.IsIsolationViolation(err))
}

func TestJobRepository_UpdateMissing(t *testing.T) {
	repo := NewJobRepository(zap.NewNop())
	tenantID := uuid.New()
	job := &models.EnhancementJob{ID: uuid.New(), TenantID: tenantID, Status: models.JobStatusProcessing}

	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectExec(`UPDATE enhancement_jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		expectReset(mock)
	}, func(ctx context.Context) error {
		return repo.Update(ctx, job)
	})

	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestBudgetOverrideRepository_UpsertAndDelete(t *testing.T) {
	repo := NewBudgetOverrideRepository(zap.NewNop())
	tenantID := uuid.New()
	override := models.NewBudgetOverride(tenantID, 200, time.Now().Add(time.Hour), "launch", "admin@acme.test")

	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectExec(`INSERT INTO budget_overrides (.+) ON CONFLICT \(tenant_id\) DO UPDATE`).
			WithArgs(tenantID, 200.0, "launch", "admin@acme.test", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM budget_overrides WHERE tenant_id = \$1`).
			WithArgs(tenantID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		if err := repo.Upsert(ctx, override); err != nil {
			return err
		}
		return repo.Delete(ctx, tenantID)
	})

	require.NoError(t, err)
}

func TestAuditRepository_Insert(t *testing.T) {
	repo := NewAuditRepository(zap.NewNop())
	tenantID := uuid.New()
	entry := models.NewAuditLog(tenantID, models.AuditActionBudgetReset, "tenant").
		WithActor(models.ActorBudgetSweep)

	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		mock.ExpectExec(`INSERT INTO audit_logs`).
			WithArgs(entry.ID, tenantID, entry.Action, models.ActorBudgetSweep, "tenant",
				sqlmock.AnyArg(), sqlmock.AnyArg(), "", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		return repo.Insert(ctx, entry)
	})

	require.NoError(t, err)
}

func TestIsolationProbe_ForeignRowCounts(t *testing.T) {
	probe := NewIsolationProbe()
	tenantID := uuid.New()

	var counts map[string]int
	err := runScoped(t, tenantID, func(mock sqlmock.Sqlmock) {
		for _, table := range tenantScopedTables {
			n := 0
			if table.Name == "audit_logs" {
				n = 2
			}
			mock.ExpectQuery(`SELECT count\(\*\) FROM ` + table.Name).
				WithArgs(tenantID).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
		}
		mock.ExpectCommit()
		expectReset(mock)
	}, func(ctx context.Context) error {
		var err error
		counts, err = probe.ForeignRowCounts(ctx)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 0, counts["enhancement_jobs"])
	assert.Equal(t, 2, counts["audit_logs"])
}

func TestRowLevelSecuritySQL(t *testing.T) {
	sql := rowLevelSecuritySQL("enhancement_jobs", "tenant_id")

	assert.Contains(t, sql, "ALTER TABLE enhancement_jobs ENABLE ROW LEVEL SECURITY")
	assert.Contains(t, sql, "ALTER TABLE enhancement_jobs FORCE ROW LEVEL SECURITY")
	assert.Contains(t, sql, "USING (tenant_id = NULLIF(current_setting('app.current_tenant', true), '')::uuid)")
	assert.Contains(t, sql, "WITH CHECK (tenant_id")
}

func TestRolesSQL(t *testing.T) {
	sql := rolesSQL("enhancer_app")

	assert.Contains(t, sql, "CREATE ROLE tenant_registry NOLOGIN")
	assert.Contains(t, sql, "GRANT SELECT (id, is_active) ON tenants TO tenant_registry")
	assert.Contains(t, sql, "CREATE POLICY tenants_registry_scan ON tenants FOR SELECT TO tenant_registry USING (true)")
	assert.Contains(t, sql, "ALTER FUNCTION active_tenant_ids() OWNER TO tenant_registry")
	assert.Contains(t, sql, `GRANT EXECUTE ON FUNCTION active_tenant_ids() TO "enhancer_app"`)
	assert.Contains(t, sql, `GRANT SELECT, INSERT, UPDATE, DELETE ON tenants, enhancement_jobs, budget_overrides, audit_logs TO "enhancer_app"`)
	assert.NotContains(t, sql, "BYPASSRLS")

	assert.Contains(t, rolesSQL(`app"; DROP TABLE tenants; --`), `"app""; DROP TABLE tenants; --"`, "role name is quoted")
}

func TestInitSchema(t *testing.T) {
	roleCheck := regexp.QuoteMeta(`SELECT current_user, EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`)

	t.Run("grants the application role", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		mock.ExpectQuery(roleCheck).WithArgs("enhancer_app").
			WillReturnRows(sqlmock.NewRows([]string{"current_user", "exists"}).AddRow("enhancer_owner", true))
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS tenants`).WillReturnResult(sqlmock.NewResult(0, 0))
		for _, table := range tenantScopedTables {
			mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE " + table.Name + " ENABLE ROW LEVEL SECURITY")).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(regexp.QuoteMeta("ALTER FUNCTION active_tenant_ids() OWNER TO tenant_registry")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, Wrap(db, zap.NewNop()).InitSchema(context.Background(), "enhancer_app"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses to run as the application role", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		mock.ExpectQuery(roleCheck).WithArgs("enhancer_app").
			WillReturnRows(sqlmock.NewRows([]string{"current_user", "exists"}).AddRow("enhancer_app", true))

		err = Wrap(db, zap.NewNop()).InitSchema(context.Background(), "enhancer_app")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not the application role")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requires the application role to exist", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		mock.ExpectQuery(roleCheck).WithArgs("enhancer_app").
			WillReturnRows(sqlmock.NewRows([]string{"current_user", "exists"}).AddRow("enhancer_owner", false))

		err = Wrap(db, zap.NewNop()).InitSchema(context.Background(), "enhancer_app")
		assert.ErrorContains(t, err, "does not exist")
	})
}
