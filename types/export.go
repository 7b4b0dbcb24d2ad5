package types

import (
	"encoding/json"
	"time"

	"github.com/valhalla/jobcore/internal/state"
)

// ExportBatch groups jobs created from one template.
type ExportBatch struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Name         string          `json:"name"`
	JobName      string          `json:"job_name"`
	Template     json.RawMessage `json:"template"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	TotalJobs    int             `json:"total_jobs"`
	EnqueuedJobs int             `json:"enqueued_jobs"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BatchTemplate describes every job a batch will produce.
type BatchTemplate struct {
	Name        string `json:"name"`
	JobName     string `json:"job_name"`
	Args        []any  `json:"args"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
	CreatedBy   string `json:"created_by"`
}

// BatchSummary is a batch with its jobs counted by status.
type BatchSummary struct {
	Batch    ExportBatch             `json:"batch"`
	JobCount int                     `json:"job_count"`
	ByStatus map[state.JobStatus]int `json:"by_status"`
}

// ExportLimit is the per-tenant budget. It is read at decision time, so
// changes apply on the next admission without a restart.
type ExportLimit struct {
	TenantID      string `json:"tenant_id" yaml:"tenant_id"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	DailyQuota    int    `json:"daily_quota" yaml:"daily_quota"`
}

// Usage is the tenant's consumption as seen by one admission decision.
type Usage struct {
	Running         int `json:"running"`
	CreatedInWindow int `json:"created_in_window"`
}
