// Package redisstore keeps fixed-window rate-limit counters in Redis so
// several API processes share one budget without a Postgres round trip.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valhalla/jobcore/types"
)

const defaultPrefix = "jobcore:ratelimit:"

// KEYS[1] counter hash; ARGV now ms, window ms, max requests.
var hitScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'count', 'started')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local count = 0
local started = nil
if vals[1] then count = tonumber(vals[1]) end
if vals[2] then started = tonumber(vals[2]) end
if started == nil or now - started >= window then
	count = 0
	started = now
end
local allowed = 0
if count + 1 <= max then
	count = count + 1
	allowed = 1
end
redis.call('HSET', KEYS[1], 'count', count, 'started', started)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {allowed, count, started}
`)

type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

func (s *RedisRateLimitStore) Hit(ctx context.Context, rule types.RateLimitRule, now time.Time) (types.RateLimitSnapshot, bool, error) {
	snap := types.RateLimitSnapshot{
		Scope:         rule.Scope,
		Key:           rule.Key,
		WindowSeconds: rule.WindowSeconds,
		MaxRequests:   rule.MaxRequests,
		UpdatedAt:     now,
	}

	res, err := hitScript.Run(ctx, s.client,
		[]string{s.key(rule.Scope, rule.Key)},
		now.UnixMilli(), rule.Window().Milliseconds(), rule.MaxRequests,
	).Int64Slice()
	if err != nil {
		return snap, false, fmt.Errorf("failed to apply rate limit %s/%s: %w", rule.Scope, rule.Key, err)
	}
	if len(res) != 3 {
		return snap, false, fmt.Errorf("unexpected rate limit reply %v", res)
	}

	snap.CurrentCount = int(res[1])
	snap.WindowStartedAt = time.UnixMilli(res[2]).UTC()
	return snap, res[0] == 1, nil
}
