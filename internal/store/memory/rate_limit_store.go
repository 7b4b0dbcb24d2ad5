package memory

import (
	"context"
	"sort"
	"time"

	"github.com/valhalla/jobcore/types"
)

func (s *Store) FindRule(_ context.Context, scope, key string) (*types.RateLimitRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleKey{scope, key}]
	if !ok || !r.Enabled {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) UpsertRule(_ context.Context, rule types.RateLimitRule) error {
	s.mu.Lock()
	s.rules[ruleKey{rule.Scope, rule.Key}] = rule
	s.mu.Unlock()
	return nil
}

func (s *Store) ListRules(_ context.Context) ([]types.RateLimitRule, error) {
	s.mu.Lock()
	rules := make([]types.RateLimitRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	s.mu.Unlock()

	sort.Slice(rules, func(a, b int) bool {
		if rules[a].Scope != rules[b].Scope {
			return rules[a].Scope < rules[b].Scope
		}
		return rules[a].Key < rules[b].Key
	})
	return rules, nil
}

func (s *Store) Hit(_ context.Context, rule types.RateLimitRule, now time.Time) (types.RateLimitSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ruleKey{rule.Scope, rule.Key}
	snap, ok := s.snapshots[k]
	if !ok || now.Sub(snap.WindowStartedAt) >= rule.Window() {
		snap = types.RateLimitSnapshot{
			Scope:           rule.Scope,
			Key:             rule.Key,
			WindowStartedAt: now,
		}
	}
	snap.WindowSeconds = rule.WindowSeconds
	snap.MaxRequests = rule.MaxRequests
	snap.UpdatedAt = now

	if snap.CurrentCount+1 > rule.MaxRequests {
		s.snapshots[k] = snap
		return snap, false, nil
	}
	snap.CurrentCount++
	s.snapshots[k] = snap
	return snap, true, nil
}
