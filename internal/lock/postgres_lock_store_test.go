package lock

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresLockStore(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, NewPostgresLockStore(db))
}

func TestPostgresLockStore_Acquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("INSERT INTO jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-a", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Acquire(context.Background(), "job:1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockStore_Acquire_Held(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("INSERT INTO jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-b", int64(60000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Acquire(context.Background(), "job:1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockStore_Acquire_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("INSERT INTO jobcore_schema.dist_locks").
		WillReturnError(sql.ErrConnDone)

	ok, err := store.Acquire(context.Background(), "job:1", "worker-a", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "failed to acquire lease")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockStore_Renew(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("UPDATE jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-a", int64(30000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-b", int64(30000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Renew(context.Background(), "job:1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Renew(context.Background(), "job:1", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockStore_Release(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("DELETE FROM jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Release(context.Background(), "job:1", "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockStore_Release_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresLockStore(db)

	mock.ExpectExec("DELETE FROM jobcore_schema.dist_locks").
		WithArgs("job:1", "worker-a").
		WillReturnError(sql.ErrConnDone)

	_, err = store.Release(context.Background(), "job:1", "worker-a")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release lease")
	assert.NoError(t, mock.ExpectationsWereMet())
}
