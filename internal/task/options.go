package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults are the per-task settings applied when a creation request leaves them unset
type Defaults struct {
	MaxAttempts     int
	TimeoutSeconds  int
	RetryDelayMs    int
	RetryMultiplier float64
}

// DefaultDefaults mirrors the shipped configuration values
var DefaultDefaults = Defaults{
	MaxAttempts:     3,
	TimeoutSeconds:  30,
	RetryDelayMs:    1000,
	RetryMultiplier: 2.0,
}

// Options are the optional fields of a task creation request. Nil pointers fall back to Defaults.
type Options struct {
	Headers            Headers        `json:"headers,omitempty"`
	Body               *string        `json:"body,omitempty"`
	ContentType        string         `json:"content_type,omitempty"`
	Priority           *Priority      `json:"priority,omitempty"`
	MaxAttempts        *int           `json:"max_attempts,omitempty"`
	TimeoutSeconds     *int           `json:"timeout,omitempty"`
	RetryDelayMs       *int           `json:"retry_delay,omitempty"`
	RetryMultiplier    *float64       `json:"retry_multiplier,omitempty"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	RateLimitKey       string         `json:"rate_limit_key,omitempty"`
	RateLimitPerSecond *int           `json:"rate_limit_per_second,omitempty"`
}

// New builds a pending task with a fresh v4 UUID, applying defaults and validating the result.
// A scheduled time already in the past is clamped to now.
func New(method, rawURL string, opts Options, def Defaults, now time.Time) (*Task, error) {
	t := &Task{
		UUID:               uuid.NewString(),
		Status:             StatusPending,
		Method:             strings.ToUpper(strings.TrimSpace(method)),
		URL:                strings.TrimSpace(rawURL),
		Headers:            opts.Headers.Clone(),
		Body:               cloneString(opts.Body),
		ContentType:        opts.ContentType,
		Priority:           PriorityNormal,
		MaxAttempts:        def.MaxAttempts,
		TimeoutSeconds:     def.TimeoutSeconds,
		RetryDelayMs:       def.RetryDelayMs,
		RetryMultiplier:    def.RetryMultiplier,
		CreatedAt:          now,
		UpdatedAt:          now,
		RateLimitKey:       opts.RateLimitKey,
		RateLimitPerSecond: cloneInt(opts.RateLimitPerSecond),
	}
	if opts.Priority != nil {
		t.Priority = *opts.Priority
	}
	if opts.MaxAttempts != nil {
		t.MaxAttempts = *opts.MaxAttempts
	}
	if opts.TimeoutSeconds != nil {
		t.TimeoutSeconds = *opts.TimeoutSeconds
	}
	if opts.RetryDelayMs != nil {
		t.RetryDelayMs = *opts.RetryDelayMs
	}
	if opts.RetryMultiplier != nil {
		t.RetryMultiplier = *opts.RetryMultiplier
	}
	if opts.ScheduledAt != nil {
		at := *opts.ScheduledAt
		if at.Before(now) {
			at = now
		}
		t.ScheduledAt = &at
	}
	if len(opts.Metadata) > 0 {
		t.Metadata = make(map[string]any, len(opts.Metadata))
		for k, v := range opts.Metadata {
			t.Metadata[k] = v
		}
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return t, nil
}
