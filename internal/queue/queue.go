// Package queue carries dispatch messages ("check task N again, not before T") between
// the API, the worker and retries. Backends: NSQ, Redis and an in-process heap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/tracing"
)

// Message is the wire form of a dispatch request
type Message struct {
	TaskID       int64             `json:"task_id"`
	NotBefore    time.Time         `json:"not_before"`
	PublishedAt  time.Time         `json:"published_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewMessage stamps a message due after delay and carries the trace context of ctx
func NewMessage(ctx context.Context, taskID int64, delay time.Duration, now time.Time) Message {
	if delay < 0 {
		delay = 0
	}
	return Message{
		TaskID:       taskID,
		NotBefore:    now.Add(delay),
		PublishedAt:  now,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

// Remaining returns how long until the message is due
func (m Message) Remaining(now time.Time) time.Duration {
	if d := m.NotBefore.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Context restores the publisher's trace context onto ctx
func (m Message) Context(ctx context.Context) context.Context {
	return tracing.ExtractHeaders(ctx, m.TraceHeaders)
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("bad dispatch payload: %w", err)
	}
	if m.TaskID <= 0 {
		return Message{}, fmt.Errorf("bad dispatch payload: task_id %d", m.TaskID)
	}
	return m, nil
}

// Queue accepts dispatch requests. A zero or negative delay means immediately.
type Queue interface {
	Enqueue(ctx context.Context, taskID int64, delay time.Duration) error
}

// Handler processes one due message. Returning an error wrapped with Redeliver asks the
// backend to deliver the message again; any other error is logged and the message dropped.
type Handler func(ctx context.Context, m Message) error

// Consumer delivers due messages to a handler until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Depther reports how many messages are waiting
type Depther interface {
	Depth(ctx context.Context) (int64, error)
}

// redeliverDelay is how long a message asked for redelivery waits before it is seen again
var redeliverDelay = 5 * time.Second

type redeliverError struct{ err error }

func (e *redeliverError) Error() string { return e.err.Error() }
func (e *redeliverError) Unwrap() error { return e.err }

// Redeliver marks err as transient so the backend delivers the message again
func Redeliver(err error) error {
	if err == nil {
		return nil
	}
	return &redeliverError{err: err}
}

// ShouldRedeliver reports whether err was wrapped with Redeliver
func ShouldRedeliver(err error) bool {
	var re *redeliverError
	return errors.As(err, &re)
}

const DLQType = "task.dlq"

// DeadLetter is published when a task ends failed
type DeadLetter struct {
	Type       string     `json:"type"`    // "task.dlq"
	Version    string     `json:"version"` // schema version
	At         string     `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string     `json:"reason"`  // human/debug text
	Attempt    int        `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int        `json:"http_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Task       *task.Task `json:"task"` // full task snapshot
}

func NewDeadLetter(t *task.Task, reason string, now time.Time) DeadLetter {
	dl := DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      now.Format(time.RFC3339Nano),
		Reason:  reason,
		Attempt: t.Attempts,
		Task:    t.Clone(),
	}
	if t.LastResponseCode != nil {
		dl.HTTPStatus = *t.LastResponseCode
	}
	if t.LastErrorMessage != nil {
		dl.LastError = *t.LastErrorMessage
	}
	return dl
}

// DeadLetterPublisher sends dead letters to their own topic or list
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}
