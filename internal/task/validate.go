package task

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the structural invariants of a task and returns every violation joined
func (t *Task) Validate() error {
	var errs []error

	if !allowedMethods[t.Method] {
		errs = append(errs, fmt.Errorf("method %q is not supported", t.Method))
	}
	if err := validateURL(t.URL); err != nil {
		errs = append(errs, err)
	}
	if !t.Status.Valid() {
		errs = append(errs, fmt.Errorf("status %q is not valid", t.Status))
	}
	if !t.Priority.Valid() {
		errs = append(errs, fmt.Errorf("priority %d is not valid", int(t.Priority)))
	}
	if t.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", t.MaxAttempts))
	}
	if t.Attempts < 0 {
		errs = append(errs, fmt.Errorf("attempts must not be negative, got %d", t.Attempts))
	}
	if t.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("timeout must be at least 1 second, got %d", t.TimeoutSeconds))
	}
	if t.RetryDelayMs < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %d", t.RetryDelayMs))
	}
	if t.RetryMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("retry multiplier must be positive, got %v", t.RetryMultiplier))
	}
	if t.RateLimitPerSecond != nil && *t.RateLimitPerSecond < 1 {
		errs = append(errs, fmt.Errorf("rate limit must be at least 1 per second, got %d", *t.RateLimitPerSecond))
	}

	if !t.CreatedAt.IsZero() {
		for name, ts := range map[string]*time.Time{
			"scheduled_at":    t.ScheduledAt,
			"started_at":      t.StartedAt,
			"completed_at":    t.CompletedAt,
			"last_attempt_at": t.LastAttemptAt,
		} {
			if ts != nil && ts.Before(t.CreatedAt) {
				errs = append(errs, fmt.Errorf("%s must not be before created_at", name))
			}
		}
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}
