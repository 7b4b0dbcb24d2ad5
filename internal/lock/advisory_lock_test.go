package lock

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvisoryLocker_WithLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock\\(\\$1\\)").
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_unlock\\(\\$1\\)").
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(0, 0))

	called := false
	err = NewAdvisoryLocker(db).WithLock(context.Background(), 42, func(ctx context.Context, conn *sql.Conn) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_AcquireError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock\\(\\$1\\)").
		WithArgs(42).
		WillReturnError(sql.ErrConnDone)

	err = NewAdvisoryLocker(db).WithLock(context.Background(), 42, func(ctx context.Context, conn *sql.Conn) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire lock")
}

func TestAdvisoryLocker_ReleasesOnFnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 0))

	boom := errors.New("migration failed")
	err = NewAdvisoryLocker(db).WithLock(context.Background(), 42, func(ctx context.Context, conn *sql.Conn) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
