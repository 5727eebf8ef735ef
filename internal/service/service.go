// Package service is the entry point for creating, retrying, cancelling and inspecting tasks.
// Every created or retried task is handed to the dispatch queue.
package service

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

// ErrNotPersisted is returned when dispatching a task that has no ID yet
var ErrNotPersisted = errors.New("task must be persisted before dispatching")

// CreateRequest describes one task. An empty Method means GET.
type CreateRequest struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url"`
	task.Options
}

// Service wraps the repositories, the queue and the retry policy
type Service struct {
	tasks    store.TaskRepository
	logs     store.LogRepository
	queue    queue.Queue
	policy   *retry.Policy
	defaults task.Defaults
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithPolicy(p *retry.Policy) Option     { return func(s *Service) { s.policy = p } }
func WithLogger(l *logging.Logger) Option   { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithDefaults sets the values applied to fields a creation request leaves unset
func WithDefaults(d task.Defaults) Option { return func(s *Service) { s.defaults = d } }

func New(tasks store.TaskRepository, logs store.LogRepository, q queue.Queue, opts ...Option) *Service {
	s := &Service{
		tasks:    tasks,
		logs:     logs,
		queue:    q,
		policy:   retry.New(),
		defaults: task.DefaultDefaults,
		logger:   logging.New("courier-service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, persists and dispatches one task. When the dispatch fails the persisted
// task is returned together with the error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "service.create", attribute.String("http.url", req.URL))
	defer span.End()

	t, err := s.build(req)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	return s.persistAndDispatch(ctx, t)
}

func (s *Service) build(req CreateRequest) (*task.Task, error) {
	method := req.Method
	if method == "" {
		method = task.MethodGet
	}
	return task.New(method, req.URL, req.Options, s.defaults, s.now())
}

func (s *Service) persistAndDispatch(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := s.tasks.Save(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("save task: %w", err)
	}
	metrics.RecordTaskCreated(t.Priority.String())
	tracing.AddSpanEvent(ctx, "task.created", attribute.Int64("task.id", t.ID), attribute.String("task.uuid", t.UUID))

	if err := s.Dispatch(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return t, err
	}
	s.logger.WithContext(ctx).WithTask(t.ID).WithTaskUUID(t.UUID).WithFields(map[string]any{
		"method":   t.Method,
		"url":      t.URL,
		"priority": t.Priority.String(),
	}).Info("task created")
	return t, nil
}

// Dispatch enqueues a persisted task, delayed until its scheduled time when that is in the future
func (s *Service) Dispatch(ctx context.Context, t *task.Task) error {
	if t.ID == 0 {
		return ErrNotPersisted
	}
	var delay time.Duration
	if s.policy.IsScheduledForFuture(t) {
		delay = s.policy.ScheduledDelay(t)
	}
	if err := s.queue.Enqueue(ctx, t.ID, delay); err != nil {
		return fmt.Errorf("dispatch task %d: %w", t.ID, err)
	}
	return nil
}

// Retry puts a task back to pending and enqueues it after the policy's backoff
func (s *Service) Retry(ctx context.Context, t *task.Task) error {
	if !s.policy.CanRetry(t) {
		return task.ErrRetryExhausted
	}
	delay := s.policy.NextRetryDelay(t)
	t.Status = task.StatusPending
	t.CompletedAt = nil
	if err := s.tasks.Save(ctx, t); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	if err := s.queue.Enqueue(ctx, t.ID, delay); err != nil {
		return fmt.Errorf("dispatch task %d: %w", t.ID, err)
	}
	s.logger.WithContext(ctx).WithTask(t.ID).WithFields(map[string]any{
		"attempts": t.Attempts,
		"delay":    delay.String(),
	}).Info("task queued for retry")
	return nil
}

// ForceRetry raises the attempt budget by one when it is exhausted, then retries
func (s *Service) ForceRetry(ctx context.Context, t *task.Task) error {
	if !s.policy.CanRetry(t) {
		t.MaxAttempts = t.Attempts + 1
	}
	return s.Retry(ctx, t)
}

// RetryFailedTask retries one failed task by ID. Without force an exhausted task is rejected.
func (s *Service) RetryFailedTask(ctx context.Context, id int64, force bool) (*task.Task, error) {
	t, err := s.tasks.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed {
		return t, fmt.Errorf("%w (current: %s)", task.ErrTaskNotFailed, t.Status)
	}
	if force {
		err = s.ForceRetry(ctx, t)
	} else {
		err = s.Retry(ctx, t)
	}
	if err != nil {
		return t, err
	}
	return t, nil
}

// Cancel marks a task cancelled. Tasks with an attempt in flight cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (*task.Task, error) {
	t, err := s.tasks.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusProcessing {
		return t, task.ErrTaskProcessing
	}
	t.Status = task.StatusCancelled
	if err := s.tasks.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	metrics.RecordFinished(string(task.StatusCancelled))
	s.logger.WithContext(ctx).WithTask(t.ID).Info("task cancelled")
	return t, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*task.Task, error) {
	return s.tasks.Find(ctx, id)
}

func (s *Service) GetByUUID(ctx context.Context, uuid string) (*task.Task, error) {
	return s.tasks.FindByUUID(ctx, uuid)
}

// Logs returns a task's attempt logs, oldest attempt first
func (s *Service) Logs(ctx context.Context, id int64) ([]*task.Log, error) {
	if _, err := s.tasks.Find(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.FindByTask(ctx, id)
}

func (s *Service) LatestLog(ctx context.Context, id int64) (*task.Log, error) {
	return s.logs.LatestForTask(ctx, id)
}

func (s *Service) FindPending(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.tasks.FindPendingTasks(ctx, limit)
}

func (s *Service) FindFailed(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.tasks.FindFailedTasks(ctx, limit)
}

func (s *Service) FindByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	return s.tasks.FindTasksByStatus(ctx, status, limit)
}

func (s *Service) FindRetriable(ctx context.Context, limit int) ([]*task.Task, error) {
	return s.tasks.FindRetriable(ctx, limit)
}

func (s *Service) Policy() *retry.Policy { return s.policy }
