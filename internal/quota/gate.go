// Package quota gates job starts on per-tenant concurrency and daily volume.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/valhalla/jobcore/internal/clock"
	"github.com/valhalla/jobcore/internal/store"
	"github.com/valhalla/jobcore/types"
)

// Window selects how the daily quota period is computed.
type Window string

const (
	// CalendarDayUTC resets the count at 00:00 UTC.
	CalendarDayUTC Window = "calendar_day_utc"
	// Rolling24h counts jobs created in the 24 hours before now.
	Rolling24h Window = "rolling_24h"
)

func (w Window) IsValid() bool {
	return w == CalendarDayUTC || w == Rolling24h
}

// Start returns the beginning of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	now = now.UTC()
	if w == Rolling24h {
		return now.Add(-24 * time.Hour)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Denial reasons.
const (
	ReasonConcurrency = "concurrency"
	ReasonDailyQuota  = "daily_quota"
	ReasonNotQueued   = "not_queued"
)

type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  string            `json:"reason,omitempty"`
	Limit   types.ExportLimit `json:"limit"`
	Usage   types.Usage       `json:"usage"`
}

// Evaluate applies both caps to a usage reading.
func Evaluate(limit types.ExportLimit, usage types.Usage) (bool, string) {
	if usage.Running >= limit.MaxConcurrent {
		return false, ReasonConcurrency
	}
	if usage.CreatedInWindow >= limit.DailyQuota {
		return false, ReasonDailyQuota
	}
	return true, ""
}

type Gate struct {
	jobs     store.JobStore
	limits   store.ExportLimitStore
	defaults types.ExportLimit
	window   Window
	clock    clock.Clock
}

func NewGate(jobs store.JobStore, limits store.ExportLimitStore, defaults types.ExportLimit, window Window, c clock.Clock) *Gate {
	if !window.IsValid() {
		window = CalendarDayUTC
	}
	if c == nil {
		c = clock.System()
	}
	return &Gate{jobs: jobs, limits: limits, defaults: defaults, window: window, clock: c}
}

// LimitFor returns the tenant's configured limit or the defaults.
func (g *Gate) LimitFor(ctx context.Context, tenantID string) (types.ExportLimit, error) {
	l, err := g.limits.GetLimit(ctx, tenantID)
	if err != nil {
		return types.ExportLimit{}, err
	}
	if l == nil {
		d := g.defaults
		d.TenantID = tenantID
		return d, nil
	}
	return *l, nil
}

// MayAdmit is an advisory check for callers deciding whether to submit more
// work. It answers for a job that has not been created yet, which Admit would
// count behind every job created in the window. A positive answer does not
// reserve anything.
func (g *Gate) MayAdmit(ctx context.Context, tenantID string) (Decision, error) {
	limit, usage, err := g.read(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	ok, reason := Evaluate(limit, usage)
	return Decision{Allowed: ok, Reason: reason, Limit: limit, Usage: usage}, nil
}

// MayCreate reports whether n more jobs fit in the tenant's daily quota. Only
// volume is checked; concurrency is a matter for admission.
func (g *Gate) MayCreate(ctx context.Context, tenantID string, n int) (Decision, error) {
	limit, usage, err := g.read(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: true, Limit: limit, Usage: usage}
	if usage.CreatedInWindow+n > limit.DailyQuota {
		d.Allowed = false
		d.Reason = ReasonDailyQuota
	}
	return d, nil
}

func (g *Gate) read(ctx context.Context, tenantID string) (types.ExportLimit, types.Usage, error) {
	limit, err := g.LimitFor(ctx, tenantID)
	if err != nil {
		return types.ExportLimit{}, types.Usage{}, fmt.Errorf("failed to load export limit: %w", err)
	}
	usage, err := g.limits.Usage(ctx, tenantID, g.window.Start(g.clock.Now()))
	if err != nil {
		return types.ExportLimit{}, types.Usage{}, err
	}
	return limit, usage, nil
}

// Admit checks both caps for job and, when they pass, moves it from queued to
// running under owner in the same store transaction.
func (g *Gate) Admit(ctx context.Context, job types.Job, owner string) (Decision, error) {
	now := g.clock.Now()
	reason := ""
	decide := func(limit types.ExportLimit, usage types.Usage) bool {
		var ok bool
		ok, reason = Evaluate(limit, usage)
		return ok
	}

	adm, err := g.jobs.Admit(ctx, job.ID, owner, now, g.window.Start(now), g.defaults, decide)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to admit job %d: %w", job.ID, err)
	}
	if !adm.Claimed {
		reason = ReasonNotQueued
	}
	return Decision{Allowed: adm.Admitted, Reason: reason, Limit: adm.Limit, Usage: adm.Usage}, nil
}

func (g *Gate) Window() Window { return g.window }
