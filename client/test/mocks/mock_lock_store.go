package mocks

import (
	"context"
	"time"
)

// MockLockStore is a mock implementation of lock.LockStore for testing.
type MockLockStore struct {
	AcquireFunc func(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewFunc   func(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseFunc func(ctx context.Context, key, owner string) (bool, error)
}

func (m *MockLockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, key, owner, ttl)
	}
	return true, nil
}

func (m *MockLockStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if m.RenewFunc != nil {
		return m.RenewFunc(ctx, key, owner, ttl)
	}
	return true, nil
}

func (m *MockLockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, key, owner)
	}
	return true, nil
}
