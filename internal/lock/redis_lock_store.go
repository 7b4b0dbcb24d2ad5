package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockStore stores each lease as a string key holding the owner, with
// the TTL carried by the key expiry.
type RedisLockStore struct {
	client *redis.Client
	prefix string
}

func NewRedisLockStore(client *redis.Client, prefix string) *RedisLockStore {
	if prefix == "" {
		prefix = "jobcore:lock:"
	}
	return &RedisLockStore{client: client, prefix: prefix}
}

func (l *RedisLockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %q: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLockStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %q: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lease %q: %w", key, err)
	}
	return n == 1, nil
}
