package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLockStore keeps leases in the dist_locks table. Expiry is always
// compared against the database clock so workers with skewed clocks agree.
type PostgresLockStore struct {
	db *sql.DB
}

func NewPostgresLockStore(db *sql.DB) *PostgresLockStore {
	return &PostgresLockStore{db: db}
}

func (l *PostgresLockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO jobcore_schema.dist_locks (key, owner, expires_at)
		VALUES ($1, $2, now() + $3 * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner,
		    expires_at = EXCLUDED.expires_at
		WHERE jobcore_schema.dist_locks.expires_at <= now()
	`, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", key, err)
	}
	return affected > 0, nil
}

func (l *PostgresLockStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE jobcore_schema.dist_locks
		SET expires_at = now() + $3 * interval '1 millisecond'
		WHERE key = $1 AND owner = $2 AND expires_at > now()
	`, key, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %q: %w", key, err)
	}
	return affected > 0, nil
}

func (l *PostgresLockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM jobcore_schema.dist_locks
		WHERE key = $1 AND owner = $2
	`, key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lease %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release lease %q: %w", key, err)
	}
	return affected > 0, nil
}
