package ratelimit

import (
	"context"
	"net/url"
	"time"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/task"
)

// FallbackKey is used when a task has neither an explicit key nor a parseable host
const FallbackKey = "default"

// Gate applies the per-task rate limit before an attempt is sent
type Gate struct {
	Enabled      bool
	DefaultLimit int
	Limiter      Limiter
	Logger       *logging.Logger

	// Sleep defaults to a context-aware timer wait
	Sleep func(ctx context.Context, d time.Duration) error
}

// Applies reports whether the task should be rate limited
func (g *Gate) Applies(t *task.Task) bool {
	if g == nil || !g.Enabled || g.Limiter == nil {
		return false
	}
	return t.RateLimitKey != "" || t.RateLimitPerSecond != nil
}

// Key returns the bucket a task draws from: explicit key, else URL host, else FallbackKey
func Key(t *task.Task) string {
	if t.RateLimitKey != "" {
		return t.RateLimitKey
	}
	if u, err := url.Parse(t.URL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return FallbackKey
}

// Wait consumes one token and blocks until it is available. The wait never exceeds
// the task's timeout. Limiter errors let the attempt proceed.
func (g *Gate) Wait(ctx context.Context, t *task.Task) (time.Duration, error) {
	if !g.Applies(t) {
		return 0, nil
	}
	limit := g.DefaultLimit
	if t.RateLimitPerSecond != nil {
		limit = *t.RateLimitPerSecond
	}
	key := Key(t)

	d, err := g.Limiter.Consume(ctx, key, limit)
	if err != nil {
		g.log(ctx, t).WithError(err).WithField("key", key).Warn("rate limiter unavailable, proceeding")
		return 0, nil
	}
	if d.Allowed || d.RetryAfter <= 0 {
		return 0, nil
	}

	wait := d.RetryAfter
	if max := t.Timeout(); max > 0 && wait > max {
		wait = max
	}
	g.log(ctx, t).WithFields(map[string]any{
		"key":   key,
		"limit": limit,
		"wait":  wait.String(),
	}).Debug("rate limited, waiting")

	sleep := g.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if err := sleep(ctx, wait); err != nil {
		return wait, err
	}
	metrics.RecordRateLimitWait(wait)
	return wait, nil
}

func (g *Gate) log(ctx context.Context, t *task.Task) *logging.LogEntry {
	var entry *logging.LogEntry
	if g.Logger != nil {
		entry = g.Logger.WithContext(ctx)
	} else {
		entry = logging.WithContext(ctx)
	}
	return entry.WithTask(t.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
