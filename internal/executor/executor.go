package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/ratelimit"
	"github.com/austindbirch/courier/internal/retry"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/tracing"
	"github.com/austindbirch/courier/internal/truncate"
)

// Executor runs a single attempt of a task and records its outcome
type Executor struct {
	tasks     store.TaskRepository
	logs      store.LogRepository
	transport Transport
	policy    *retry.Policy
	gate      *ratelimit.Gate
	logger    *logging.Logger
	now       func() time.Time
	maxBody   int
}

// Option customises an Executor
type Option func(*Executor)

// WithRateLimit installs the gate consulted before each attempt
func WithRateLimit(g *ratelimit.Gate) Option { return func(e *Executor) { e.gate = g } }

// WithPolicy replaces the retry policy
func WithPolicy(p *retry.Policy) Option { return func(e *Executor) { e.policy = p } }

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock overrides the time source
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// WithMaxBodyLength sets the response body truncation limit in characters
func WithMaxBodyLength(n int) Option { return func(e *Executor) { e.maxBody = n } }

// New builds an executor persisting through the given repositories
func New(tasks store.TaskRepository, logs store.LogRepository, transport Transport, opts ...Option) *Executor {
	e := &Executor{
		tasks:     tasks,
		logs:      logs,
		transport: transport,
		policy:    retry.New(),
		logger:    logging.New("courier-executor"),
		now:       time.Now,
		maxBody:   truncate.DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the retry policy the executor applies
func (e *Executor) Policy() *retry.Policy { return e.policy }

// Execute performs one attempt. It returns an error only when the task may not be attempted
// (completed or cancelled), when the rate limit wait is interrupted, or when persistence fails.
// Every other outcome is recorded on the returned log and on t, which is updated in place.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*task.Log, error) {
	if err := task.CheckExecutable(t); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "executor.execute",
		attribute.Int64("task.id", t.ID),
		attribute.String("task.uuid", t.UUID),
		attribute.String("http.method", t.Method),
		attribute.String("http.url", t.URL),
	)
	defer span.End()

	if _, err := e.gate.Wait(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	now := e.now()
	t.Status = task.StatusProcessing
	t.Attempts++
	t.LastAttemptAt = &now
	t.StartedAt = &now
	t.ResetLastResult()
	tracing.AddSpanEvent(ctx, "task.processing", attribute.Int("attempt", t.Attempts))
	if err := e.tasks.Save(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("mark task processing: %w", err)
	}

	log := task.NewLog(t, now)
	start := time.Now()
	resp, sendErr := e.send(ctx, t)
	latency := time.Since(start)

	e.classify(t, log, resp, sendErr)

	log.ResponseTimeMs = latency.Milliseconds()
	log.ResponseBody = e.truncate(log.ResponseBody)
	t.LastResponseBody = e.truncate(t.LastResponseBody)

	status := 0
	if log.ResponseCode != nil {
		status = *log.ResponseCode
	}
	span.SetAttributes(
		attribute.String("attempt.result", string(log.Result)),
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", log.ResponseTimeMs),
		attribute.String("task.status", string(t.Status)),
	)
	metrics.RecordAttempt(string(log.Result), status, latency)
	if !log.IsSuccess() {
		reason := FailureReason(sendErr, status)
		span.SetAttributes(attribute.String("failure_reason", reason))
		if t.Status == task.StatusPending {
			metrics.RecordRetry(reason)
		}
	}
	if t.Terminal() {
		metrics.RecordFinished(string(t.Status))
	}

	if err := e.logs.Save(ctx, log); err != nil {
		tracing.SetSpanError(ctx, err)
		return log, fmt.Errorf("save attempt log: %w", err)
	}
	if err := e.tasks.Save(ctx, t); err != nil {
		tracing.SetSpanError(ctx, err)
		return log, fmt.Errorf("save task: %w", err)
	}

	entry := e.logger.WithContext(ctx).WithTask(t.ID).WithFields(map[string]any{
		"attempt":     t.Attempts,
		"result":      string(log.Result),
		"status":      string(t.Status),
		"http_status": status,
		"latency_ms":  log.ResponseTimeMs,
	})
	if log.IsSuccess() {
		entry.Info("attempt succeeded")
	} else {
		entry.WithError(sendErr).Warn("attempt failed")
	}
	return log, nil
}

func (e *Executor) send(ctx context.Context, t *task.Task) (*Response, error) {
	if timeout := t.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := BuildRequest(ctx, t)
	if err != nil {
		return nil, err
	}
	tracing.AddSpanEvent(ctx, "http.send")
	return e.transport.Send(req)
}

// classify applies the attempt outcome to the log and the task
func (e *Executor) classify(t *task.Task, log *task.Log, resp *Response, err error) {
	var te *TransportError
	var se *StatusError

	switch {
	case errors.As(err, &te):
		log.Result = task.ResultNetworkError
		if te.Timeout {
			log.Result = task.ResultTimeout
		}
		log.ErrorMessage = task.StringPtr(te.Error())
		t.SetError(te.Error())
		e.failRetryable(t)

	case errors.As(err, &se):
		code := se.Response.StatusCode
		e.recordResponse(t, log, se.Response)
		log.Result = task.ResultFailure
		kind := "Server Error"
		if code >= 400 && code < 500 {
			kind = "Client Error"
		}
		log.ErrorMessage = task.StringPtr(fmt.Sprintf("%s %d: %s", kind, code, se.Error()))
		t.SetError(se.Error())
		if terminalClientError(code) {
			t.MarkFailed(e.now(), "")
		} else {
			e.failRetryable(t)
		}

	case err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.recordResponse(t, log, resp)
		log.Result = task.ResultSuccess
		now := e.now()
		t.Status = task.StatusCompleted
		t.CompletedAt = &now

	case err == nil && resp != nil:
		e.recordResponse(t, log, resp)
		log.Result = task.ResultFailure
		msg := fmt.Sprintf("HTTP %d: %s %s", resp.StatusCode, t.Method, t.URL)
		log.ErrorMessage = &msg
		t.SetError(msg)
		e.failRetryable(t)

	default:
		if err == nil {
			err = errors.New("transport returned no response")
		}
		log.Result = task.ResultFailure
		log.ErrorMessage = task.StringPtr(err.Error())
		t.SetError(err.Error())
		e.failRetryable(t)
	}
}

func (e *Executor) recordResponse(t *task.Task, log *task.Log, resp *Response) {
	code := resp.StatusCode
	log.ResponseCode = &code
	log.ResponseHeaders = task.FromHTTP(resp.Headers)
	log.ResponseBody = task.StringPtr(resp.Body)
	t.LastResponseCode = task.IntPtr(code)
	t.LastResponseBody = task.StringPtr(resp.Body)
}

// failRetryable moves the task back to pending when budget remains, otherwise to failed
func (e *Executor) failRetryable(t *task.Task) {
	if e.policy.CanRetry(t) {
		t.Status = task.StatusPending
		return
	}
	t.MarkFailed(e.now(), "")
}

func (e *Executor) truncate(body *string) *string {
	if body == nil {
		return nil
	}
	return task.StringPtr(truncate.Body(*body, e.maxBody))
}

// terminalClientError reports 4xx statuses that are never retried. 408, 409 and 429 are
// treated as transient.
func terminalClientError(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return true
}
