package lock

import (
	"context"
	"time"
)

// LockStore hands out time-bounded leases on string keys.
//
// Acquire succeeds when no lease exists for key or the existing one has
// expired. Renew and Release succeed only for the current owner; a caller that
// is not the owner gets false and a nil error. A non-nil error always means the
// backing store could not be reached and the caller must assume nothing
// changed.
//
// A lease can run out while its holder is still working. Holders that may run
// longer than ttl must call Renew periodically.
type LockStore interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
}
