package types

import "time"

// LockLease is a time-bounded ownership claim on Key.
type LockLease struct {
	Key       string    `json:"key"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease may be reclaimed at now.
func (l LockLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
