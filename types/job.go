package types

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/valhalla/jobcore/internal/state"
)

// Job is one unit of schedulable work. Rows are never deleted; terminal jobs
// stay behind as the audit trail.
type Job struct {
	ID          int64           `json:"id"`
	TenantID    string          `json:"tenant_id"`
	BatchID     *int64          `json:"batch_id,omitempty"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Status      state.JobStatus `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextRunAt   time.Time       `json:"next_run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Progress    int             `json:"progress"`
	LastError   sql.NullString  `json:"-"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Args decodes the payload into the positional arguments handed to a handler.
func (j Job) Args() ([]any, error) {
	if len(j.Payload) == 0 {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal(j.Payload, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// NewJob is what a producer submits.
type NewJob struct {
	TenantID    string    `json:"tenant_id" yaml:"tenant_id"`
	Name        string    `json:"name" yaml:"name"`
	Args        []any     `json:"args" yaml:"args"`
	Priority    int       `json:"priority" yaml:"priority"`
	MaxAttempts int       `json:"max_attempts" yaml:"max_attempts"`
	ScheduledAt time.Time `json:"scheduled_at" yaml:"scheduled_at"`
	CreatedBy   string    `json:"created_by" yaml:"created_by"`
	BatchID     *int64    `json:"batch_id,omitempty" yaml:"-"`
}

// JobRun records a single execution attempt.
type JobRun struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"job_id"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Logs       string     `json:"logs,omitempty"`
}

// JobFilter narrows List queries. Empty fields match everything.
type JobFilter struct {
	TenantID string
	Status   state.JobStatus
	BatchID  *int64
}
