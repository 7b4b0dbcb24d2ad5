// Package ratelimit implements a fixed-window request limiter keyed by
// (scope, key).
//
// A client can issue up to 2×MaxRequests around a window boundary; the fixed
// window is kept for its single-row cost.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

// WildcardKey matches every key within a scope.
const WildcardKey = "*"

type Limiter struct {
	rules       store.RateLimitRuleStore
	windows     store.RateLimitWindowStore
	defaultRule *types.RateLimitRule
	clock       clock.Clock
}

type Option func(*Limiter)

// WithDefaultRule applies rule when neither an exact nor a wildcard rule is
// configured for a scope.
func WithDefaultRule(rule types.RateLimitRule) Option {
	return func(l *Limiter) {
		r := rule
		l.defaultRule = &r
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

func NewLimiter(rules store.RateLimitRuleStore, windows store.RateLimitWindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		rules:   rules,
		windows: windows,
		clock:   clock.System(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ResolveRule returns the rule governing (scope, key), or nil when requests
// for it are unlimited. An enabled rule with MaxRequests 0 blocks every
// request.
func (l *Limiter) ResolveRule(ctx context.Context, scope, key string) (*types.RateLimitRule, error) {
	rule, err := l.rules.FindRule(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if rule == nil && key != WildcardKey {
		if rule, err = l.rules.FindRule(ctx, scope, WildcardKey); err != nil {
			return nil, err
		}
	}
	if rule == nil && l.defaultRule != nil && l.defaultRule.Enabled {
		r := *l.defaultRule
		rule = &r
	}
	if rule == nil || !rule.Enabled || rule.WindowSeconds <= 0 {
		return nil, nil
	}
	return rule, nil
}

// CheckAndIncrement counts one request for (scope, key). Requests with no
// governing rule are allowed. A denied request does not consume budget.
func (l *Limiter) CheckAndIncrement(ctx context.Context, scope, key string) (types.RateLimitDecision, error) {
	rule, err := l.ResolveRule(ctx, scope, key)
	if err != nil {
		return types.RateLimitDecision{}, fmt.Errorf("failed to resolve rate limit rule: %w", err)
	}
	if rule == nil {
		return types.RateLimitDecision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	counter := *rule
	counter.Scope = scope
	counter.Key = key

	now := l.clock.Now()
	snap, allowed, err := l.windows.Hit(ctx, counter, now)
	if err != nil {
		return types.RateLimitDecision{}, err
	}

	decision := types.RateLimitDecision{
		Allowed:   allowed,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - snap.CurrentCount,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !allowed {
		decision.RetryAfter = snap.WindowStartedAt.Add(rule.Window()).Sub(now)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}
