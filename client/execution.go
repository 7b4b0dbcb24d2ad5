package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/valhalla/jobcore/errors"
	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/state"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

// execution is the types.Execution handed to a handler for one attempt.
type execution struct {
	job     types.Job
	attempt int
	owner   string
	store   store.JobStore
	clock   clock.Clock
	cancel  context.CancelFunc

	cancelled atomic.Bool

	mu   sync.Mutex
	logs strings.Builder
}

func newExecution(job types.Job, attempt int, owner string, jobs store.JobStore, c clock.Clock, cancel context.CancelFunc) *execution {
	return &execution{job: job, attempt: attempt, owner: owner, store: jobs, clock: c, cancel: cancel}
}

func (e *execution) JobID() int64     { return e.job.ID }
func (e *execution) TenantID() string { return e.job.TenantID }
func (e *execution) Attempt() int     { return e.attempt }

func (e *execution) Progress(ctx context.Context, percent int) error {
	if e.cancelled.Load() {
		return apperrors.ErrJobCancelled
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	status, err := e.store.UpdateProgress(ctx, e.job.ID, e.owner, percent)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	if status == state.StatusCancelled {
		e.markCancelled()
		return apperrors.ErrJobCancelled
	}
	return nil
}

func (e *execution) Logf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs.WriteString(e.clock.Now().Format(time.RFC3339))
	e.logs.WriteByte(' ')
	e.logs.WriteString(fmt.Sprintf(format, args...))
	e.logs.WriteByte('\n')
}

// markCancelled records that the job was cancelled and stops the handler's context.
func (e *execution) markCancelled() {
	if e.cancelled.CompareAndSwap(false, true) && e.cancel != nil {
		e.cancel()
	}
}

func (e *execution) isCancelled() bool { return e.cancelled.Load() }

func (e *execution) log() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logs.String()
}
