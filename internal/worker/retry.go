package worker

import (
	"math"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before re-delivering a task that has already run
// attempt times. Attempt counts start at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 2 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}
