package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/courier/internal/executor"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/retry"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/task"
)

type enqueued struct {
	id    int64
	delay time.Duration
}

type recordingQueue struct {
	calls []enqueued
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, id int64, delay time.Duration) error {
	q.calls = append(q.calls, enqueued{id: id, delay: delay})
	return q.err
}

type recordingDLQ struct {
	letters []queue.DeadLetter
}

func (d *recordingDLQ) PublishDeadLetter(_ context.Context, dl queue.DeadLetter) error {
	d.letters = append(d.letters, dl)
	return nil
}

type stubExecutor struct {
	err   error
	calls int
	// bump mimics an attempt that was counted before failing
	bump bool
}

func (s *stubExecutor) Execute(_ context.Context, t *task.Task) (*task.Log, error) {
	s.calls++
	if s.bump {
		t.Attempts++
	}
	return nil, s.err
}

type fixture struct {
	mem     *store.Memory
	queue   *recordingQueue
	dlq     *recordingDLQ
	handler *Handler
	hits    *atomic.Int32
	url     string
	now     time.Time
}

func testLogger() *logging.Logger {
	core, _ := observer.New(zapcore.DebugLevel)
	return logging.NewWithCore("test", core)
}

// newFixture wires a real executor against a receiver that always answers status
func newFixture(t *testing.T, status int) *fixture {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	now := time.Now()
	policy := &retry.Policy{Jitter: func(int64) int64 { return 0 }, Now: func() time.Time { return now }}
	mem := store.NewMemory()
	ex := executor.New(mem.Tasks(), mem.Logs(), executor.NewHTTPTransport(true, 0),
		executor.WithPolicy(policy), executor.WithLogger(testLogger()))

	f := &fixture{mem: mem, queue: &recordingQueue{}, dlq: &recordingDLQ{}, hits: hits, url: srv.URL, now: now}
	f.handler = NewHandler(mem.Tasks(), ex, f.queue,
		WithPolicy(policy), WithLogger(testLogger()), WithDeadLetters(f.dlq))
	return f
}

func (f *fixture) save(t *testing.T, opts task.Options) *task.Task {
	t.Helper()
	tk, err := task.New(task.MethodPost, f.url, opts, task.DefaultDefaults, f.now)
	if err != nil {
		t.Fatalf("task.New() error = %v", err)
	}
	if err := f.mem.Tasks().Save(context.Background(), tk); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return tk
}

func (f *fixture) reload(t *testing.T, id int64) *task.Task {
	t.Helper()
	tk, err := f.mem.Tasks().Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	return tk
}

func TestHandle_Scenarios(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantOutcome  Outcome
		wantStatus   task.Status
		wantEnqueues []time.Duration
		wantDLQ      int
	}{
		{name: "200 completes without requeue", status: 200, wantOutcome: OutcomeCompleted, wantStatus: task.StatusCompleted},
		{name: "404 fails immediately with budget left", status: 404, wantOutcome: OutcomeFailed, wantStatus: task.StatusFailed, wantDLQ: 1},
		{name: "429 schedules a retry", status: 429, wantOutcome: OutcomeRetryScheduled, wantStatus: task.StatusPending, wantEnqueues: []time.Duration{time.Second}},
		{name: "503 schedules a retry", status: 503, wantOutcome: OutcomeRetryScheduled, wantStatus: task.StatusPending, wantEnqueues: []time.Duration{time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.status)
			tk := f.save(t, task.Options{MaxAttempts: task.IntPtr(3)})

			outcome, err := f.handler.Handle(context.Background(), tk.ID)
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("Handle() = %s, want %s", outcome, tt.wantOutcome)
			}

			got := f.reload(t, tk.ID)
			if got.Status != tt.wantStatus || got.Attempts != 1 {
				t.Errorf("task = %s attempts=%d, want %s attempts=1", got.Status, got.Attempts, tt.wantStatus)
			}
			if len(f.queue.calls) != len(tt.wantEnqueues) {
				t.Fatalf("enqueues = %v, want %v", f.queue.calls, tt.wantEnqueues)
			}
			for i, d := range tt.wantEnqueues {
				if c := f.queue.calls[i]; c.id != tk.ID || c.delay != d {
					t.Errorf("enqueue[%d] = %+v, want id=%d delay=%v", i, c, tk.ID, d)
				}
			}
			if len(f.dlq.letters) != tt.wantDLQ {
				t.Errorf("dead letters = %d, want %d", len(f.dlq.letters), tt.wantDLQ)
			}
		})
	}
}

func TestHandle_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t, 500)
	tk := f.save(t, task.Options{MaxAttempts: task.IntPtr(3), RetryDelayMs: task.IntPtr(1000)})

	wantOutcomes := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeFailed}
	for i, want := range wantOutcomes {
		outcome, err := f.handler.Handle(context.Background(), tk.ID)
		if err != nil {
			t.Fatalf("Handle() #%d error = %v", i+1, err)
		}
		if outcome != want {
			t.Errorf("Handle() #%d = %s, want %s", i+1, outcome, want)
		}
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	if len(f.queue.calls) != len(wantDelays) {
		t.Fatalf("enqueues = %v, want delays %v", f.queue.calls, wantDelays)
	}
	for i, d := range wantDelays {
		if f.queue.calls[i].delay != d {
			t.Errorf("retry %d delay = %v, want %v", i+1, f.queue.calls[i].delay, d)
		}
	}

	got := f.reload(t, tk.ID)
	if got.Status != task.StatusFailed || got.Attempts != 3 {
		t.Errorf("task = %s attempts=%d, want failed attempts=3", got.Status, got.Attempts)
	}
	if len(f.dlq.letters) != 1 || f.dlq.letters[0].Reason != "max attempts reached (3)" {
		t.Errorf("dead letters = %+v", f.dlq.letters)
	}
	if int(f.hits.Load()) != 3 {
		t.Errorf("receiver hits = %d, want 3", f.hits.Load())
	}
}

func TestHandle_ScheduledForFuture(t *testing.T) {
	f := newFixture(t, 200)
	at := f.now.Add(time.Hour)
	tk := f.save(t, task.Options{ScheduledAt: &at})

	outcome, err := f.handler.Handle(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if outcome != OutcomeRescheduled {
		t.Errorf("Handle() = %s, want %s", outcome, OutcomeRescheduled)
	}
	if len(f.queue.calls) != 1 || f.queue.calls[0].delay != time.Hour {
		t.Errorf("enqueues = %+v, want one with delay 1h", f.queue.calls)
	}
	if f.hits.Load() != 0 {
		t.Errorf("receiver hits = %d, want 0", f.hits.Load())
	}
	got := f.reload(t, tk.ID)
	if got.Attempts != 0 || got.Status != task.StatusPending {
		t.Errorf("task = %s attempts=%d, want pending attempts=0", got.Status, got.Attempts)
	}
	logs, _ := f.mem.Logs().FindByTask(context.Background(), tk.ID)
	if len(logs) != 0 {
		t.Errorf("logs = %d, want 0", len(logs))
	}
}

func TestHandle_ScheduledTimeReached(t *testing.T) {
	f := newFixture(t, 200)
	tk := f.save(t, task.Options{})
	past := f.now.Add(-time.Minute)
	tk.ScheduledAt = &past
	if err := f.mem.Tasks().Save(context.Background(), tk); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	outcome, err := f.handler.Handle(context.Background(), tk.ID)
	if err != nil || outcome != OutcomeCompleted {
		t.Errorf("Handle() = %s, %v, want %s", outcome, err, OutcomeCompleted)
	}
}

func TestHandle_SkipsTerminalTasks(t *testing.T) {
	for _, status := range []task.Status{task.StatusCompleted, task.StatusCancelled, task.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, 200)
			tk := f.save(t, task.Options{})
			tk.Status = status
			if err := f.mem.Tasks().Save(context.Background(), tk); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			outcome, err := f.handler.Handle(context.Background(), tk.ID)
			if err != nil || outcome != OutcomeSkipped {
				t.Errorf("Handle() = %s, %v, want %s", outcome, err, OutcomeSkipped)
			}
			if f.hits.Load() != 0 || len(f.queue.calls) != 0 {
				t.Errorf("terminal task was attempted or requeued")
			}
			if got := f.reload(t, tk.ID); got.Attempts != 0 {
				t.Errorf("attempts = %d, want 0", got.Attempts)
			}
		})
	}
}

func TestHandle_TaskNotFound(t *testing.T) {
	f := newFixture(t, 200)

	outcome, err := f.handler.Handle(context.Background(), 404)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Handle() error = %v, want ErrTaskNotFound", err)
	}
	if outcome != OutcomeNotFound {
		t.Errorf("Handle() = %s, want %s", outcome, OutcomeNotFound)
	}
	if len(f.queue.calls) != 0 {
		t.Errorf("missing task was requeued")
	}

	err = f.handler.HandleMessage(context.Background(), queue.Message{TaskID: 404})
	if err == nil || queue.ShouldRedeliver(err) {
		t.Errorf("HandleMessage() = %v, want a non-redelivered error", err)
	}
}

func TestHandle_ExecutorErrors(t *testing.T) {
	execErr := errors.New("save attempt log: disk full")
	tests := []struct {
		name        string
		maxAttempts int
		wantOutcome Outcome
		wantStatus  task.Status
		wantEnqueue bool
		wantDLQ     int
	}{
		{name: "budget left schedules a retry", maxAttempts: 3, wantOutcome: OutcomeRetryScheduled, wantStatus: task.StatusPending, wantEnqueue: true},
		{name: "exhausted marks failed", maxAttempts: 1, wantOutcome: OutcomeFailed, wantStatus: task.StatusFailed, wantDLQ: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 200)
			tk := f.save(t, task.Options{MaxAttempts: task.IntPtr(tt.maxAttempts)})
			ex := &stubExecutor{err: execErr, bump: true}
			h := NewHandler(f.mem.Tasks(), ex, f.queue, WithLogger(testLogger()), WithDeadLetters(f.dlq))

			outcome, err := h.Handle(context.Background(), tk.ID)
			if !errors.Is(err, execErr) {
				t.Errorf("Handle() error = %v, want the executor error re-raised", err)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("Handle() = %s, want %s", outcome, tt.wantOutcome)
			}
			if (len(f.queue.calls) == 1) != tt.wantEnqueue {
				t.Errorf("enqueues = %+v, want enqueue=%v", f.queue.calls, tt.wantEnqueue)
			}
			if len(f.dlq.letters) != tt.wantDLQ {
				t.Errorf("dead letters = %d, want %d", len(f.dlq.letters), tt.wantDLQ)
			}

			got := f.reload(t, tk.ID)
			if tt.wantStatus == task.StatusFailed {
				if got.Status != task.StatusFailed || got.LastErrorMessage == nil || *got.LastErrorMessage != execErr.Error() {
					t.Errorf("task = %s err=%v, want failed with executor error", got.Status, got.LastErrorMessage)
				}
			}

			// accounted-for failures are not redelivered by the transport
			if mErr := h.HandleMessage(context.Background(), queue.Message{TaskID: tk.ID}); queue.ShouldRedeliver(mErr) {
				t.Errorf("HandleMessage() asked for redelivery: %v", mErr)
			}
		})
	}
}

func TestHandle_EnqueueFailureRedelivers(t *testing.T) {
	f := newFixture(t, 503)
	f.queue.err = errors.New("nsqd unavailable")
	tk := f.save(t, task.Options{MaxAttempts: task.IntPtr(5)})

	err := f.handler.HandleMessage(context.Background(), queue.Message{TaskID: tk.ID})
	if !queue.ShouldRedeliver(err) {
		t.Errorf("HandleMessage() = %v, want redelivery when the retry could not be enqueued", err)
	}
	if got := f.reload(t, tk.ID); got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}
