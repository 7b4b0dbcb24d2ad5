package types

import "time"

type RateLimitRule struct {
	Scope         string `json:"scope" yaml:"scope"`
	Key           string `json:"key" yaml:"key"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	MaxRequests   int    `json:"max_requests" yaml:"max_requests"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Description   string `json:"description" yaml:"description"`
}

func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// RateLimitSnapshot is the counter row for the current window of one (scope, key).
type RateLimitSnapshot struct {
	Scope           string    `json:"scope"`
	Key             string    `json:"key"`
	WindowSeconds   int       `json:"window_seconds"`
	MaxRequests     int       `json:"max_requests"`
	CurrentCount    int       `json:"current_count"`
	WindowStartedAt time.Time `json:"window_started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RateLimitDecision is the outcome of one check. RetryAfter is only set when
// the request was denied.
type RateLimitDecision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}
