package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of consuming one token
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // how long until the token is available when not allowed
}

// Limiter consumes one token from the bucket identified by key, refilled at perSecond
type Limiter interface {
	Consume(ctx context.Context, key string, perSecond int) (Decision, error)
}

// Local is an in-process token bucket per key backed by golang.org/x/time/rate
type Local struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	idleTTL  time.Duration
	now      func() time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	perSec   int
	lastSeen time.Time
}

// NewLocal returns a Local limiter that forgets keys idle longer than ten minutes
func NewLocal() *Local {
	return &Local{
		limiters: make(map[string]*localEntry),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Consume reserves a token. A rejected consume still holds its reservation,
// so a caller that waits RetryAfter may proceed without consuming again.
func (l *Local) Consume(_ context.Context, key string, perSecond int) (Decision, error) {
	if perSecond <= 0 {
		perSecond = 1
	}
	now := l.now()
	lim := l.get(key, perSecond, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}, nil
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: delay}, nil
}

func (l *Local) get(key string, perSecond int, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	e, ok := l.limiters[key]
	if !ok || e.perSec != perSecond {
		e = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
			perSec:  perSecond,
		}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// evict drops idle keys; callers hold mu
func (l *Local) evict(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}
