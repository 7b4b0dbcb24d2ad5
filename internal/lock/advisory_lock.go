package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AdvisoryLocker wraps Postgres session advisory locks. It is used for
// one-off critical sections such as schema migration, where holding a
// connection for the whole section is acceptable.
type AdvisoryLocker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, timeout: 30 * time.Second}
}

// WithLock runs fn while holding advisory lock lockID on a dedicated
// connection. fn receives that connection.
func (a *AdvisoryLocker) WithLock(ctx context.Context, lockID int, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	fnErr := fn(ctx, conn)

	// Unlock on a fresh context so a cancelled ctx cannot leak the lock.
	unlockCtx, cancelUnlock := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelUnlock()
	if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", lockID); err != nil && fnErr == nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return fnErr
}
