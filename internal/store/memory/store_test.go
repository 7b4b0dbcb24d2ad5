package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func allowAll(types.ExportLimit, types.Usage) bool { return true }

func TestStore_InsertAndFind(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()

	id, err := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export", Args: []any{"a", 1}, Priority: 10, MaxAttempts: 3})
	require.NoError(t, err)

	job, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusQueued, job.Status)
	assert.Equal(t, start, job.NextRunAt)
	assert.JSONEq(t, `["a",1]`, string(job.Payload))

	_, err = s.FindByID(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
}

func TestStore_FetchDueJobs_Order(t *testing.T) {
	fc := clock.NewFake(start)
	s := New(fc)
	ctx := context.Background()

	low, _ := s.Insert(ctx, types.NewJob{TenantID: "t", Name: "a", Priority: 200})
	high, _ := s.Insert(ctx, types.NewJob{TenantID: "t", Name: "b", Priority: 5})
	_, _ = s.Insert(ctx, types.NewJob{TenantID: "t", Name: "later", Priority: 1, ScheduledAt: start.Add(time.Hour)})

	due, err := s.FetchDueJobs(ctx, store.DueQuery{Now: start, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, high, due[0].ID)
	assert.Equal(t, low, due[1].ID)
}

func TestStore_FetchDueJobs_CursorAndSkippedTenants(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()

	var busy []int64
	for i := 0; i < 3; i++ {
		id, _ := s.Insert(ctx, types.NewJob{TenantID: "busy", Name: "export", Priority: 1})
		busy = append(busy, id)
	}
	other, _ := s.Insert(ctx, types.NewJob{TenantID: "other", Name: "export", Priority: 100})

	page, err := s.FetchDueJobs(ctx, store.DueQuery{Now: start, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, busy[:2], []int64{page[0].ID, page[1].ID})

	page, err = s.FetchDueJobs(ctx, store.DueQuery{Now: start, Limit: 2, After: store.CursorAfter(page[1])})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, busy[2], page[0].ID)
	assert.Equal(t, other, page[1].ID)

	page, err = s.FetchDueJobs(ctx, store.DueQuery{Now: start, Limit: 2, SkipTenants: []string{"busy"}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, other, page[0].ID)
}

func TestStore_Admit_ConcurrencyCap(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	require.NoError(t, s.UpsertLimit(ctx, types.ExportLimit{TenantID: "t1", MaxConcurrent: 2, DailyQuota: 100}))

	capped := func(l types.ExportLimit, u types.Usage) bool { return u.Running < l.MaxConcurrent }

	admitted := 0
	for i := 0; i < 5; i++ {
		id, err := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
		require.NoError(t, err)
		adm, err := s.Admit(ctx, id, "w1", start, start.Add(-time.Hour), types.ExportLimit{}, capped)
		require.NoError(t, err)
		assert.True(t, adm.Claimed)
		if adm.Admitted {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)

	counts, err := s.CountAllJobsGroupedByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[state.StatusRunning])
	assert.Equal(t, 3, counts[state.StatusQueued])
}

func TestStore_Admit_CountsOnlyEarlierJobsInWindow(t *testing.T) {
	fc := clock.NewFake(start)
	s := New(fc)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
		ids = append(ids, id)
	}

	var seen []int
	record := func(_ types.ExportLimit, u types.Usage) bool {
		seen = append(seen, u.CreatedInWindow)
		return false
	}
	for i := len(ids) - 1; i >= 0; i-- {
		_, err := s.Admit(ctx, ids[i], "w1", start, start.Add(-time.Minute), types.ExportLimit{}, record)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 1, 0}, seen)
}

func TestStore_Admit_BacklogCountsWholeWindow(t *testing.T) {
	fc := clock.NewFake(start.Add(-24 * time.Hour))
	s := New(fc)
	ctx := context.Background()

	backlog, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
	fc.Set(start)
	_, _ = s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
	_, _ = s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})

	var seen types.Usage
	record := func(_ types.ExportLimit, u types.Usage) bool {
		seen = u
		return false
	}
	_, err := s.Admit(ctx, backlog, "w1", start, start.Truncate(24*time.Hour), types.ExportLimit{}, record)
	require.NoError(t, err)
	assert.Equal(t, 2, seen.CreatedInWindow)
}

func TestStore_CancelledJobHoldsSlotUntilReleased(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
	_, err := s.Admit(ctx, id, "w1", start, start, types.ExportLimit{}, allowAll)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, id, start)
	require.NoError(t, err)

	u, err := s.Usage(ctx, "t1", start)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Running)

	stale, err := s.FindStaleRunning(ctx, start.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	ok, err := s.ReleaseCancelled(ctx, id, "w2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ReleaseCancelled(ctx, id, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	u, err = s.Usage(ctx, "t1", start)
	require.NoError(t, err)
	assert.Zero(t, u.Running)
	job, _ := s.FindByID(ctx, id)
	assert.Equal(t, state.StatusCancelled, job.Status)
	assert.Nil(t, job.LockedBy)
}

func TestStore_Admit_NotQueued(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
	_, err := s.Cancel(ctx, id, start)
	require.NoError(t, err)

	adm, err := s.Admit(ctx, id, "w1", start, start, types.ExportLimit{}, allowAll)
	require.NoError(t, err)
	assert.False(t, adm.Claimed)
	assert.False(t, adm.Admitted)
}

func TestStore_FinalisingWritesAreFenced(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export", MaxAttempts: 3})
	adm, err := s.Admit(ctx, id, "w1", start, start, types.ExportLimit{}, allowAll)
	require.NoError(t, err)
	require.True(t, adm.Admitted)

	ok, err := s.MarkSuccess(ctx, id, "w2", start)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkRetry(ctx, id, "w1", 1, "boom", start.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	job, _ := s.FindByID(ctx, id)
	assert.Equal(t, state.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.LastError.String)
	assert.Nil(t, job.LockedBy)
}

func TestStore_CancelRunningIgnoresLateSuccess(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})
	_, err := s.Admit(ctx, id, "w1", start, start, types.ExportLimit{}, allowAll)
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, id, start)
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := s.UpdateProgress(ctx, id, "w1", 50)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelled, st)

	ok, err = s.MarkSuccess(ctx, id, "w1", start)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Cancel(ctx, id, start)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Runs(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	id, _ := s.Insert(ctx, types.NewJob{TenantID: "t1", Name: "export"})

	runID, err := s.StartRun(ctx, id, 1, start)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, runID, false, "boom", "step 1\n", start.Add(time.Second)))

	runs, err := s.ListRuns(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Equal(t, "step 1\n", runs[0].Logs)
	assert.NotNil(t, runs[0].FinishedAt)

	assert.Error(t, s.FinishRun(ctx, 42, true, "", "", start))
}

func TestStore_EnqueueNext_Concurrent(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	batchID, err := s.CreateBatch(ctx, "t1", types.BatchTemplate{Name: "nightly", JobName: "export", Args: []any{"csv"}}, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.EnqueueNext(ctx, batchID, nil)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, okCount)
	summary, err := s.Summary(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Batch.EnqueuedJobs)
	assert.Equal(t, 10, summary.JobCount)
	assert.Equal(t, 10, summary.ByStatus[state.StatusQueued])

	_, _, err = s.EnqueueNext(ctx, 404, nil)
	assert.ErrorIs(t, err, apperrors.ErrBatchNotFound)
}

func TestStore_List(t *testing.T) {
	s := New(clock.NewFake(start))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = s.Insert(ctx, types.NewJob{TenantID: fmt.Sprintf("t%d", i%2), Name: "export"})
	}

	res, err := s.List(ctx, types.JobFilter{TenantID: "t0"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalItems)
	assert.Equal(t, 2, res.TotalPages)
	assert.Len(t, res.Items, 2)
	assert.True(t, res.HasNextPage)
}

func TestStore_Hit_FixedWindow(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	rule := types.RateLimitRule{Scope: "api", Key: "user:1", WindowSeconds: 60, MaxRequests: 5, Enabled: true}

	for i := 1; i <= 5; i++ {
		snap, ok, err := s.Hit(ctx, rule, start)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, snap.CurrentCount)
	}

	snap, ok, err := s.Hit(ctx, rule, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, snap.CurrentCount)

	snap, ok, err = s.Hit(ctx, rule, start.Add(60*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, snap.CurrentCount)
}

func TestStore_Rules(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.UpsertRule(ctx, types.RateLimitRule{Scope: "api", Key: "*", WindowSeconds: 60, MaxRequests: 100, Enabled: true}))
	require.NoError(t, s.UpsertRule(ctx, types.RateLimitRule{Scope: "auth", Key: "*", WindowSeconds: 60, MaxRequests: 5, Enabled: false}))

	r, err := s.FindRule(ctx, "api", "*")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 100, r.MaxRequests)

	r, err = s.FindRule(ctx, "auth", "*")
	require.NoError(t, err)
	assert.Nil(t, r)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "api", rules[0].Scope)
}
