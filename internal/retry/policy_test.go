package retry

import (
	"testing"
	"time"

	"github.com/austindbirch/courier/internal/task"
)

func newTask(attempts, maxAttempts, delayMs int, mult float64) *task.Task {
	return &task.Task{
		Attempts:        attempts,
		MaxAttempts:     maxAttempts,
		RetryDelayMs:    delayMs,
		RetryMultiplier: mult,
	}
}

func TestPolicy_CanRetry(t *testing.T) {
	p := New()
	tests := []struct {
		name     string
		attempts int
		max      int
		want     bool
	}{
		{"fresh task", 0, 3, true},
		{"one left", 2, 3, true},
		{"exhausted", 3, 3, false},
		{"over budget", 4, 3, false},
		{"single attempt allowed", 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.CanRetry(newTask(tt.attempts, tt.max, 1000, 2)); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_NextRetryDelay_Bounds(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		delayMs  int
		mult     float64
		min, max time.Duration
	}{
		{"no attempts returns base", 0, 1000, 2, 1000 * time.Millisecond, 1000 * time.Millisecond},
		{"first retry", 1, 1000, 2, 1000 * time.Millisecond, 1100 * time.Millisecond},
		{"second retry", 2, 1000, 2, 2000 * time.Millisecond, 2200 * time.Millisecond},
		{"third retry", 3, 1000, 2, 4000 * time.Millisecond, 4400 * time.Millisecond},
		{"fractional multiplier floors", 2, 333, 1.5, 499 * time.Millisecond, 548 * time.Millisecond},
		{"zero base", 2, 0, 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, jitter := range []func(int64) int64{
				func(int64) int64 { return 0 },
				func(n int64) int64 { return n },
				nil,
			} {
				p := &Policy{Jitter: jitter}
				got := p.NextRetryDelay(newTask(tt.attempts, 5, tt.delayMs, tt.mult))
				if got < tt.min || got > tt.max {
					t.Errorf("NextRetryDelay() = %v, want in [%v, %v]", got, tt.min, tt.max)
				}
			}
		})
	}
}

func TestPolicy_NextRetryDelay_Overflow(t *testing.T) {
	p := New()
	got := p.NextRetryDelay(newTask(200, 300, 1000, 10))
	if got != maxDelay {
		t.Errorf("NextRetryDelay() = %v, want %v", got, maxDelay)
	}
}

func TestPolicy_Scheduling(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Policy{Now: func() time.Time { return now }}

	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	tests := []struct {
		name       string
		scheduled  *time.Time
		wantFuture bool
		wantDelay  time.Duration
	}{
		{"unset", nil, false, 0},
		{"future", &future, true, time.Hour},
		{"past", &past, false, 0},
		{"exactly now", &now, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &task.Task{ScheduledAt: tt.scheduled}
			if got := p.IsScheduledForFuture(tk); got != tt.wantFuture {
				t.Errorf("IsScheduledForFuture() = %v, want %v", got, tt.wantFuture)
			}
			if got := p.ScheduledDelay(tk); got != tt.wantDelay {
				t.Errorf("ScheduledDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}
