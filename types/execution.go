package types

import "context"

// Execution is the running attempt as seen by a job handler.
type Execution interface {
	JobID() int64
	TenantID() string
	Attempt() int

	// Progress records completion in percent. It returns
	// errors.ErrJobCancelled once the job has been cancelled; handlers
	// should stop at that point.
	Progress(ctx context.Context, percent int) error

	// Logf appends a line to the attempt's run log.
	Logf(format string, args ...any)
}
