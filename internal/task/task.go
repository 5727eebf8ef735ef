package task

import (
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further attempts may happen in this status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodPatch  = "PATCH"
	MethodHead   = "HEAD"
)

var allowedMethods = map[string]bool{
	MethodGet: true, MethodPost: true, MethodPut: true,
	MethodDelete: true, MethodPatch: true, MethodHead: true,
}

// Task is one HTTP request to be attempted under a retry policy.
// Logs are not held here; load them from the log repository by task ID.
type Task struct {
	ID              int64    `json:"id"`
	UUID            string   `json:"uuid"`
	Status          Status   `json:"status"`
	Method          string   `json:"method"`
	URL             string   `json:"url"`
	Headers         Headers  `json:"headers,omitempty"`
	Body            *string  `json:"body,omitempty"`
	ContentType     string   `json:"content_type,omitempty"`
	Priority        Priority `json:"priority"`
	MaxAttempts     int      `json:"max_attempts"`
	Attempts        int      `json:"attempts"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	RetryDelayMs    int      `json:"retry_delay_ms"`
	RetryMultiplier float64  `json:"retry_multiplier"`

	LastResponseCode *int    `json:"last_response_code,omitempty"`
	LastResponseBody *string `json:"last_response_body,omitempty"`
	LastErrorMessage *string `json:"last_error_message,omitempty"`

	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Metadata           map[string]any `json:"metadata,omitempty"`
	RateLimitKey       string         `json:"rate_limit_key,omitempty"`
	RateLimitPerSecond *int           `json:"rate_limit_per_second,omitempty"`
}

// Terminal reports whether the task has reached a terminal status
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Timeout returns the per-attempt timeout as a duration
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy so stores never share mutable state with callers
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Headers = t.Headers.Clone()
	out.Body = cloneString(t.Body)
	out.LastResponseCode = cloneInt(t.LastResponseCode)
	out.LastResponseBody = cloneString(t.LastResponseBody)
	out.LastErrorMessage = cloneString(t.LastErrorMessage)
	out.ScheduledAt = cloneTime(t.ScheduledAt)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.LastAttemptAt = cloneTime(t.LastAttemptAt)
	out.RateLimitPerSecond = cloneInt(t.RateLimitPerSecond)
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SetError records the most recent error message
func (t *Task) SetError(msg string) {
	t.LastErrorMessage = &msg
}

// MarkFailed moves the task to failed and stamps its completion time
func (t *Task) MarkFailed(now time.Time, msg string) {
	t.Status = StatusFailed
	t.CompletedAt = &now
	if msg != "" {
		t.SetError(msg)
	}
}

// ResetLastResult clears the response fields so they reflect only the next attempt
func (t *Task) ResetLastResult() {
	t.LastResponseCode = nil
	t.LastResponseBody = nil
	t.LastErrorMessage = nil
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i
func IntPtr(i int) *int { return &i }

// PriorityPtr returns a pointer to p
func PriorityPtr(p Priority) *Priority { return &p }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
