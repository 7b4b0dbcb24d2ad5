package lock

import (
	"context"
	"sync"
	"time"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/types"
)

// MemoryLockStore is a process-local LockStore. It only provides mutual
// exclusion between goroutines sharing the same instance.
type MemoryLockStore struct {
	mu     sync.Mutex
	leases map[string]types.LockLease
	clock  clock.Clock
}

func NewMemoryLockStore(c clock.Clock) *MemoryLockStore {
	if c == nil {
		c = clock.System()
	}
	return &MemoryLockStore{
		leases: make(map[string]types.LockLease),
		clock:  c,
	}
}

func (l *MemoryLockStore) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if lease, ok := l.leases[key]; ok && !lease.Expired(now) {
		return false, nil
	}
	l.leases[key] = types.LockLease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLockStore) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	lease, ok := l.leases[key]
	if !ok || lease.Owner != owner || lease.Expired(now) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(ttl)
	l.leases[key] = lease
	return true, nil
}

func (l *MemoryLockStore) Release(_ context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease, ok := l.leases[key]
	if !ok || lease.Owner != owner {
		return false, nil
	}
	delete(l.leases, key)
	return true, nil
}

// Lease returns the current lease for key, expired or not.
func (l *MemoryLockStore) Lease(key string) (types.LockLease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.leases[key]
	return lease, ok
}
