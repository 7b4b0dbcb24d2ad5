package client

import (
	"math"
	"time"
)

// Backoff returns the delay before the attempt that follows failed attempt n
// (1-based): base doubled n-1 times, never more than limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(base) * math.Pow(2, float64(n-1))
	if d > float64(limit) || math.IsInf(d, 1) {
		return limit
	}
	return time.Duration(d)
}
