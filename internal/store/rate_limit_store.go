package store

import (
	"context"
	"time"

	"github.com/valhalla/jobcore/types"
)

type RateLimitRuleStore interface {
	// FindRule returns the enabled rule for exactly (scope, key), or nil.
	FindRule(ctx context.Context, scope, key string) (*types.RateLimitRule, error)
	UpsertRule(ctx context.Context, rule types.RateLimitRule) error
	ListRules(ctx context.Context) ([]types.RateLimitRule, error)
}

// RateLimitWindowStore applies one fixed-window hit atomically for a rule.
// rule.Scope and rule.Key name the counter, so callers resolving a wildcard
// or default rule pass a copy carrying the concrete key.
//
// If the stored window started at least rule.WindowSeconds before now it is
// reset to start at now. The counter is then incremented; when that would
// exceed rule.MaxRequests the hit is denied and the increment is not kept.
type RateLimitWindowStore interface {
	Hit(ctx context.Context, rule types.RateLimitRule, now time.Time) (types.RateLimitSnapshot, bool, error)
}
