package types

import "time"

// JobResult is what a worker reports back to the scheduler once a handler returns.
type JobResult struct {
	JobID      int64
	RunID      int64
	Err        error
	Attempts   int
	Cancelled  bool
	Logs       string
	StartedAt  time.Time
	FinishedAt time.Time
}
