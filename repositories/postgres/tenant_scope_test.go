package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ticket-enhancer/repositories"
	"go.uber.org/zap"
)

func newMockScope(t *testing.T) (*TenantScope, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTenantScope(Wrap(db, zap.NewNop()), zap.NewNop()), mock
}

func expectScopeStart(mock sqlmock.Sqlmock, tenantID uuid.UUID) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setTenantSQL)).
		WithArgs(tenantID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectReset(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(resetTenantSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestTenantScope_CommitsAndResets(t *testing.T) {
	scope, mock := newMockScope(t)
	tenantID := uuid.New()

	expectScopeStart(mock, tenantID)
	mock.ExpectCommit()
	expectReset(mock)

	var seen uuid.UUID
	err := scope.WithTenantContext(context.Background(), tenantID, func(ctx context.Context) error {
		id, ok := TenantFromContext(ctx)
		require.True(t, ok)
		seen = id
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, tenantID, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_RollsBackAndResetsOnError(t *testing.T) {
	scope, mock := newMockScope(t)
	tenantID := uuid.New()
	boom := errors.New("boom")

	expectScopeStart(mock, tenantID)
	mock.ExpectRollback()
	expectReset(mock)

	err := scope.WithTenantContext(context.Background(), tenantID, func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_RollsBackAndResetsOnPanic(t *testing.T) {
	scope, mock := newMockScope(t)
	tenantID := uuid.New()

	expectScopeStart(mock, tenantID)
	mock.ExpectRollback()
	expectReset(mock)

	assert.Panics(t, func() {
		_ = scope.WithTenantContext(context.Background(), tenantID, func(ctx context.Context) error {
			panic("worker bug")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_ResetsWhenWorkIsAbandoned(t *testing.T) {
	scope, mock := newMockScope(t)
	tenantID := uuid.New()

	expectScopeStart(mock, tenantID)
	mock.ExpectRollback()
	expectReset(mock)

	err := scope.WithTenantContext(context.Background(), tenantID, func(ctx context.Context) error {
		return context.DeadlineExceeded
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_RejectsNilTenant(t *testing.T) {
	scope, mock := newMockScope(t)

	err := scope.WithTenantContext(context.Background(), uuid.Nil, func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})

	assert.ErrorIs(t, err, repositories.ErrTenantContextRequired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_NestedDifferentTenantIsViolation(t *testing.T) {
	scope, mock := newMockScope(t)
	a, b := uuid.New(), uuid.New()

	expectScopeStart(mock, a)
	mock.ExpectRollback()
	expectReset(mock)

	err := scope.WithTenantContext(context.Background(), a, func(ctx context.Context) error {
		return scope.WithTenantContext(ctx, b, func(ctx context.Context) error { return nil })
	})

	assert.True(t, repositories.IsIsolationViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantScope_NestedSameTenantJoins(t *testing.T) {
	scope, mock := newMockScope(t)
	a := uuid.New()

	expectScopeStart(mock, a)
	mock.ExpectCommit()
	expectReset(mock)

	calls := 0
	err := scope.WithTenantContext(context.Background(), a, func(ctx context.Context) error {
		return scope.WithTenantContext(ctx, a, func(ctx context.Context) error {
			calls++
			return nil
		})
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExecutor_RequiresScope(t *testing.T) {
	_, _, err := GetExecutor(context.Background())
	assert.ErrorIs(t, err, repositories.ErrTenantContextRequired)
}
