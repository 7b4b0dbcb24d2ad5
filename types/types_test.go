package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPaginationResult(t *testing.T) {
	result := NewPaginationResult([]int{1, 2}, 5, 2, 2)
	assert.Equal(t, 3, result.TotalPages)
	assert.True(t, result.HasNextPage)
	assert.True(t, result.HasPreviousPage)

	last := NewPaginationResult([]int{5}, 5, 3, 2)
	assert.False(t, last.HasNextPage)
}

func TestNormalizePage(t *testing.T) {
	page, size, offset := NormalizePage(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, size)
	assert.Equal(t, 0, offset)

	page, size, offset = NormalizePage(3, 10)
	assert.Equal(t, 3, page)
	assert.Equal(t, 10, size)
	assert.Equal(t, 20, offset)
}

func TestJob_Args(t *testing.T) {
	payload, _ := json.Marshal([]any{"report", 3.0})
	job := Job{Payload: payload}

	args, err := job.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{"report", 3.0}, args)

	empty, err := Job{}.Args()
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = Job{Payload: json.RawMessage(`{"not":"array"}`)}.Args()
	assert.Error(t, err)
}

func TestLockLease_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lease := LockLease{Key: "job:1", Owner: "a", ExpiresAt: now}
	assert.True(t, lease.Expired(now))
	assert.False(t, lease.Expired(now.Add(-time.Second)))
}

func TestRateLimitRule_Window(t *testing.T) {
	assert.Equal(t, time.Minute, RateLimitRule{WindowSeconds: 60}.Window())
}
