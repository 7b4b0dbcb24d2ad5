package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valhalla/jobcore/types"
)

func newTestStore(t *testing.T) (*RedisRateLimitStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimitStore(client, ""), mr
}

func TestRedisRateLimitStore_FixedWindow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	rule := types.RateLimitRule{Scope: "api", Key: "ip:10.0.0.1", WindowSeconds: 60, MaxRequests: 5, Enabled: true}
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		snap, ok, err := store.Hit(ctx, rule, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, snap.CurrentCount)
		assert.Equal(t, start.Add(time.Second), snap.WindowStartedAt)
	}

	snap, ok, err := store.Hit(ctx, rule, start.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, snap.CurrentCount)

	snap, ok, err = store.Hit(ctx, rule, start.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, snap.CurrentCount)
	assert.Equal(t, start.Add(61*time.Second), snap.WindowStartedAt)
}

func TestRedisRateLimitStore_KeysAreIndependent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a := types.RateLimitRule{Scope: "auth", Key: "ip:a", WindowSeconds: 60, MaxRequests: 1}
	b := types.RateLimitRule{Scope: "auth", Key: "ip:b", WindowSeconds: 60, MaxRequests: 1}

	_, ok, err := store.Hit(ctx, a, now)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Hit(ctx, a, now)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = store.Hit(ctx, b, now)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("jobcore:ratelimit:auth:ip:a"))
	assert.Equal(t, 120*time.Second, mr.TTL("jobcore:ratelimit:auth:ip:a"))
}

func TestRedisRateLimitStore_Error(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedisRateLimitStore(client, "")
	mr.Close()

	_, _, err = store.Hit(context.Background(), types.RateLimitRule{Scope: "api", Key: "k", WindowSeconds: 1, MaxRequests: 1}, time.Now())
	assert.Error(t, err)
}
