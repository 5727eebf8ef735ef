package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/austindbirch/courier/internal/task"
)

// maxDelay caps computed delays so large multipliers cannot overflow time.Duration
const maxDelay = 30 * 24 * time.Hour

// JitterFraction is the upper bound of random jitter relative to the computed delay
const JitterFraction = 0.1

// Policy holds the retry decisions that depend only on task state and the clock
type Policy struct {
	// Jitter returns a value in [0, n]; defaults to a uniform draw
	Jitter func(n int64) int64
	// Now defaults to time.Now
	Now func() time.Time
}

// New returns a policy using math/rand/v2 and the wall clock
func New() *Policy {
	return &Policy{}
}

// CanRetry reports whether another attempt fits the task's budget
func (p *Policy) CanRetry(t *task.Task) bool {
	return t.Attempts < t.MaxAttempts
}

// NextRetryDelay returns the backoff before the next attempt:
// base for the first attempt, floor(base*mult^(attempts-1)) plus up to 10% jitter afterwards.
func (p *Policy) NextRetryDelay(t *task.Task) time.Duration {
	base := float64(t.RetryDelayMs)
	if t.Attempts == 0 {
		return clamp(base)
	}

	computed := math.Floor(base * math.Pow(t.RetryMultiplier, float64(t.Attempts-1)))
	if computed >= float64(maxDelay.Milliseconds()) || math.IsInf(computed, 0) || math.IsNaN(computed) {
		return maxDelay
	}

	delay := int64(computed)
	jitterMax := int64(math.Floor(float64(delay) * JitterFraction))
	return clamp(float64(delay + p.jitter(jitterMax)))
}

// IsScheduledForFuture reports whether the task's scheduled time is strictly after now
func (p *Policy) IsScheduledForFuture(t *task.Task) bool {
	return t.ScheduledAt != nil && t.ScheduledAt.After(p.now())
}

// ScheduledDelay returns how long until the task's scheduled time; zero when unset or past
func (p *Policy) ScheduledDelay(t *task.Task) time.Duration {
	if t.ScheduledAt == nil {
		return 0
	}
	d := t.ScheduledAt.Sub(p.now())
	if d < 0 {
		return 0
	}
	return d
}

func (p *Policy) jitter(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(n)
	}
	return rand.Int64N(n + 1)
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func clamp(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms >= float64(maxDelay.Milliseconds()) {
		return maxDelay
	}
	return time.Duration(ms) * time.Millisecond
}
