// Package dispatch decides what happens to a task ID pulled off the queue: skip it,
// push it back until its scheduled time, or run an attempt and schedule the retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/retry"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/tracing"
)

// ErrTaskNotFound is fatal for the message: a task ID that no longer resolves is never retried
var ErrTaskNotFound = errors.New("dispatch: task not found")

// Outcome is what Handle did with a task
type Outcome string

const (
	OutcomeSkipped        Outcome = "skipped"         // already terminal
	OutcomeRescheduled    Outcome = "rescheduled"     // scheduled for later, no attempt made
	OutcomeCompleted      Outcome = "completed"       // attempt succeeded
	OutcomeRetryScheduled Outcome = "retry_scheduled" // attempt failed, retry enqueued
	OutcomeFailed         Outcome = "failed"          // task ended failed
	OutcomeNotFound       Outcome = "not_found"
	OutcomeError          Outcome = "error"
)

// Executor runs one attempt of a task
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (*task.Log, error)
}

// Handler bridges the queue and the executor
type Handler struct {
	tasks       store.TaskRepository
	exec        Executor
	queue       queue.Queue
	policy      *retry.Policy
	deadLetters queue.DeadLetterPublisher
	logger      *logging.Logger
	now         func() time.Time
}

type Option func(*Handler)

func WithPolicy(p *retry.Policy) Option     { return func(h *Handler) { h.policy = p } }
func WithLogger(l *logging.Logger) Option   { return func(h *Handler) { h.logger = l } }
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// WithDeadLetters publishes a dead letter whenever a dispatch leaves its task failed
func WithDeadLetters(p queue.DeadLetterPublisher) Option {
	return func(h *Handler) { h.deadLetters = p }
}

func NewHandler(tasks store.TaskRepository, exec Executor, q queue.Queue, opts ...Option) *Handler {
	h := &Handler{
		tasks:  tasks,
		exec:   exec,
		queue:  q,
		policy: retry.New(),
		logger: logging.New("courier-dispatch"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one dispatch of taskID. Errors from the executor are returned after the
// task's retry or terminal state has been recorded.
func (h *Handler) Handle(ctx context.Context, taskID int64) (outcome Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.handle", attribute.Int64("task.id", taskID))
	defer func() {
		span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
		if err != nil {
			tracing.SetSpanError(ctx, err)
		}
		metrics.RecordDispatch(string(outcome))
		span.End()
	}()

	t, err := h.tasks.Find(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.WithContext(ctx).WithTask(taskID).Error("dispatched task not found")
		return OutcomeNotFound, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("load task %d: %w", taskID, err)
	}

	// duplicate or late deliveries of a finished task are swallowed
	if t.Terminal() {
		h.logger.WithContext(ctx).WithTask(taskID).WithField("status", string(t.Status)).Debug("task already terminal, skipping")
		return OutcomeSkipped, nil
	}

	if h.policy.IsScheduledForFuture(t) {
		if delay := h.policy.ScheduledDelay(t); delay > 0 {
			if err := h.queue.Enqueue(ctx, t.ID, delay); err != nil {
				return OutcomeError, fmt.Errorf("reschedule task %d: %w", t.ID, err)
			}
			h.logger.WithContext(ctx).WithTask(t.ID).WithField("delay", delay.String()).Info("task not due yet, rescheduled")
			return OutcomeRescheduled, nil
		}
	}

	log, execErr := h.exec.Execute(ctx, t)
	if execErr != nil {
		return h.afterExecuteError(ctx, t, execErr)
	}

	switch {
	case log.IsSuccess():
		return OutcomeCompleted, nil
	case t.Status == task.StatusPending && h.policy.CanRetry(t):
		if err := h.scheduleRetry(ctx, t); err != nil {
			return OutcomeError, err
		}
		return OutcomeRetryScheduled, nil
	case t.Status == task.StatusFailed:
		h.publishDeadLetter(ctx, t)
		return OutcomeFailed, nil
	}
	return OutcomeError, fmt.Errorf("task %d left in status %s after attempt", t.ID, t.Status)
}

// afterExecuteError records a retry or terminal failure for an attempt that could not finish
func (h *Handler) afterExecuteError(ctx context.Context, t *task.Task, execErr error) (Outcome, error) {
	entry := h.logger.WithContext(ctx).WithTask(t.ID).WithError(execErr)

	if h.policy.CanRetry(t) {
		if err := h.scheduleRetry(ctx, t); err != nil {
			return OutcomeError, errors.Join(execErr, err)
		}
		entry.Warn("attempt errored, retry scheduled")
		return OutcomeRetryScheduled, execErr
	}

	t.MarkFailed(h.now(), execErr.Error())
	if err := h.tasks.Save(ctx, t); err != nil {
		return OutcomeError, errors.Join(execErr, fmt.Errorf("save failed task: %w", err))
	}
	metrics.RecordFinished(string(task.StatusFailed))
	entry.Error("attempt errored with no retries left, task failed")
	h.publishDeadLetter(ctx, t)
	return OutcomeFailed, execErr
}

func (h *Handler) scheduleRetry(ctx context.Context, t *task.Task) error {
	delay := h.policy.NextRetryDelay(t)
	// the attempt is already recorded, so the retry must be enqueued even during shutdown
	if err := h.queue.Enqueue(context.WithoutCancel(ctx), t.ID, delay); err != nil {
		return fmt.Errorf("enqueue retry for task %d: %w", t.ID, err)
	}
	tracing.AddSpanEvent(ctx, "task.retry_scheduled",
		attribute.Int("attempt", t.Attempts),
		attribute.String("delay", delay.String()),
	)
	h.logger.WithContext(ctx).WithTask(t.ID).WithFields(map[string]any{
		"attempt": t.Attempts,
		"delay":   delay.String(),
	}).Info("retry scheduled")
	return nil
}

func (h *Handler) publishDeadLetter(ctx context.Context, t *task.Task) {
	if h.deadLetters == nil {
		return
	}
	reason, label := fmt.Sprintf("max attempts reached (%d)", t.Attempts), "max_attempts"
	if t.Attempts < t.MaxAttempts {
		reason, label = "non-retryable failure", "non_retryable"
	}
	dl := queue.NewDeadLetter(t, reason, h.now())
	if err := h.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		h.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	metrics.RecordDLQ(label)
	h.logger.WithContext(ctx).WithTask(t.ID).WithField("reason", reason).Info("dlq published")
}

// HandleMessage adapts Handle to queue.Handler. Failures the core already accounted for are
// returned as plain errors so the queue drops the message; only failures that left nothing
// scheduled are marked for redelivery.
func (h *Handler) HandleMessage(ctx context.Context, m queue.Message) error {
	outcome, err := h.Handle(ctx, m.TaskID)
	if err == nil {
		return nil
	}
	if outcome == OutcomeError {
		return queue.Redeliver(err)
	}
	return err
}
