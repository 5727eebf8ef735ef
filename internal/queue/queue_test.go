package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/task"
)

func testLogger() *logging.Logger {
	core, _ := observer.New(zapcore.DebugLevel)
	return logging.NewWithCore("test", core)
}

func TestDecodeMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	good, err := NewMessage(context.Background(), 42, time.Minute, now).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name    string
		body    string
		wantID  int64
		wantErr bool
	}{
		{name: "round trip", body: string(good), wantID: 42},
		{name: "not json", body: "42", wantErr: true},
		{name: "missing task id", body: `{"not_before":"2026-01-02T03:04:05Z"}`, wantErr: true},
		{name: "negative task id", body: `{"task_id":-1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if m.TaskID != tt.wantID {
				t.Errorf("TaskID = %d, want %d", m.TaskID, tt.wantID)
			}
			if want := now.Add(time.Minute); !m.NotBefore.Equal(want) {
				t.Errorf("NotBefore = %v, want %v", m.NotBefore, want)
			}
		})
	}
}

func TestMessage_Remaining(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		delay time.Duration
		at    time.Time
		want  time.Duration
	}{
		{name: "immediate", delay: 0, at: now, want: 0},
		{name: "negative delay clamps", delay: -time.Hour, at: now, want: 0},
		{name: "future", delay: 10 * time.Second, at: now, want: 10 * time.Second},
		{name: "elapsed", delay: 10 * time.Second, at: now.Add(time.Minute), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMessage(context.Background(), 1, tt.delay, now)
			if got := m.Remaining(tt.at); got != tt.want {
				t.Errorf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedeliver(t *testing.T) {
	base := errors.New("db down")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: base, want: false},
		{name: "wrapped", err: Redeliver(base), want: true},
		{name: "wrapped twice", err: errors.Join(errors.New("ctx"), Redeliver(base)), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRedeliver(tt.err); got != tt.want {
				t.Errorf("ShouldRedeliver() = %v, want %v", got, tt.want)
			}
		})
	}

	if Redeliver(nil) != nil {
		t.Errorf("Redeliver(nil) should be nil")
	}
	if !errors.Is(Redeliver(base), base) {
		t.Errorf("Redeliver() should unwrap to the cause")
	}
}

func TestNewDeadLetter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tk := &task.Task{
		ID:               9,
		UUID:             "abc",
		Attempts:         3,
		Status:           task.StatusFailed,
		LastResponseCode: task.IntPtr(503),
		LastErrorMessage: task.StringPtr("HTTP 503"),
	}

	dl := NewDeadLetter(tk, "max attempts reached (3)", now)
	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("envelope = %s/%s, want %s/v1", dl.Type, dl.Version, DLQType)
	}
	if dl.Attempt != 3 || dl.HTTPStatus != 503 || dl.LastError != "HTTP 503" {
		t.Errorf("NewDeadLetter() = %+v", dl)
	}
	if dl.At != "2026-01-02T03:04:05Z" {
		t.Errorf("At = %q", dl.At)
	}
	if dl.Task == tk {
		t.Errorf("Task should be a snapshot, not the live pointer")
	}
}

// collect runs Consume until n messages have been handled
func collect(t *testing.T, c Consumer, n int, h func(Message) error) []int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []int64
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(_ context.Context, m Message) error {
			err := h(m)
			mu.Lock()
			got = append(got, m.TaskID)
			if len(got) == n {
				cancel()
			}
			mu.Unlock()
			return err
		})
	}()

	if err := <-done; err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) < n {
		t.Fatalf("handled %d messages before timeout, want %d", len(got), n)
	}
	return got
}

func TestMemory_DeliversInDueOrder(t *testing.T) {
	q := NewMemory()
	q.logger = testLogger()
	ctx := context.Background()

	_ = q.Enqueue(ctx, 3, 80*time.Millisecond)
	_ = q.Enqueue(ctx, 1, 0)
	_ = q.Enqueue(ctx, 2, 40*time.Millisecond)
	_ = q.Enqueue(ctx, 4, 0)

	if d, _ := q.Depth(ctx); d != 4 {
		t.Errorf("Depth() = %d, want 4", d)
	}

	got := collect(t, q, 4, func(Message) error { return nil })
	want := []int64{1, 4, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestMemory_WakesForNewMessage(t *testing.T) {
	q := NewMemory()
	q.logger = testLogger()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Enqueue(context.Background(), 7, 0)
	}()
	got := collect(t, q, 1, func(Message) error { return nil })
	if got[0] != 7 {
		t.Errorf("got %v, want [7]", got)
	}
}

func TestMemory_Redelivery(t *testing.T) {
	old := redeliverDelay
	redeliverDelay = 20 * time.Millisecond
	t.Cleanup(func() { redeliverDelay = old })

	q := NewMemory()
	q.logger = testLogger()
	_ = q.Enqueue(context.Background(), 5, 0)
	_ = q.Enqueue(context.Background(), 6, 0)

	var calls int
	got := collect(t, q, 3, func(m Message) error {
		calls++
		switch {
		case m.TaskID == 5 && calls == 1:
			return Redeliver(errors.New("store unavailable"))
		case m.TaskID == 6:
			return errors.New("task gone")
		}
		return nil
	})

	want := []int64{5, 6, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
	if d, _ := q.Depth(context.Background()); d != 0 {
		t.Errorf("Depth() = %d, want 0 (plain errors drop the message)", d)
	}
}

type publishCall struct {
	topic string
	delay time.Duration
	body  []byte
}

type stubPublisher struct {
	calls []publishCall
	err   error
}

func (p *stubPublisher) Publish(topic string, body []byte) error {
	p.calls = append(p.calls, publishCall{topic: topic, body: body})
	return p.err
}

func (p *stubPublisher) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	p.calls = append(p.calls, publishCall{topic: topic, delay: delay, body: body})
	return p.err
}

func TestNSQ_Enqueue(t *testing.T) {
	tests := []struct {
		name      string
		delay     time.Duration
		wantDelay time.Duration
	}{
		{name: "immediate", delay: 0, wantDelay: 0},
		{name: "deferred", delay: 30 * time.Second, wantDelay: 30 * time.Second},
		{name: "clamped to max deferral", delay: 3 * time.Hour, wantDelay: time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &stubPublisher{}
			q := NewNSQ(pub, "http_tasks", "http_tasks_dlq", time.Hour)

			if err := q.Enqueue(context.Background(), 11, tt.delay); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if len(pub.calls) != 1 {
				t.Fatalf("publish calls = %d, want 1", len(pub.calls))
			}
			c := pub.calls[0]
			if c.topic != "http_tasks" || c.delay != tt.wantDelay {
				t.Errorf("publish = %s/%v, want http_tasks/%v", c.topic, c.delay, tt.wantDelay)
			}
			m, err := DecodeMessage(c.body)
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			// the message keeps the full delay even when nsqd's deferral is capped
			if got := m.NotBefore.Sub(m.PublishedAt); got != tt.delay {
				t.Errorf("NotBefore - PublishedAt = %v, want %v", got, tt.delay)
			}
		})
	}
}

func TestNSQ_PublishErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("nsqd down")}
	q := NewNSQ(pub, "http_tasks", "http_tasks_dlq", 0)

	if err := q.Enqueue(context.Background(), 1, 0); err == nil {
		t.Errorf("Enqueue() expected error")
	}
	if err := q.PublishDeadLetter(context.Background(), DeadLetter{Type: DLQType}); err == nil {
		t.Errorf("PublishDeadLetter() expected error")
	}
	if pub.calls[1].topic != "http_tasks_dlq" {
		t.Errorf("dead letter topic = %s, want http_tasks_dlq", pub.calls[1].topic)
	}
}

type fakeDelegate struct {
	finished int
	requeued int
	delay    time.Duration
	backoff  bool
	touched  int
}

func (d *fakeDelegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *fakeDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, backoff bool) {
	d.requeued++
	d.delay = delay
	d.backoff = backoff
}
func (d *fakeDelegate) OnTouch(*nsq.Message) { d.touched++ }

func TestNSQConsumer_HandleMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	due, _ := NewMessage(context.Background(), 3, 0, now).Encode()
	notDue, _ := NewMessage(context.Background(), 3, 10*time.Minute, now).Encode()
	farOut, _ := NewMessage(context.Background(), 3, 5*time.Hour, now).Encode()

	tests := []struct {
		name        string
		body        []byte
		handlerErr  error
		wantCalled  bool
		wantFinish  int
		wantRequeue int
		wantDelay   time.Duration
		wantBackoff bool
	}{
		{name: "bad payload", body: []byte("{"), wantFinish: 1},
		{name: "success", body: due, wantCalled: true, wantFinish: 1},
		{name: "not yet due", body: notDue, wantRequeue: 1, wantDelay: 10 * time.Minute},
		{name: "beyond max deferral", body: farOut, wantRequeue: 1, wantDelay: time.Hour},
		{name: "redeliver", body: due, handlerErr: Redeliver(errors.New("db")), wantCalled: true, wantRequeue: 1, wantDelay: redeliverDelay, wantBackoff: true},
		{name: "permanent error", body: due, handlerErr: errors.New("gone"), wantCalled: true, wantFinish: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewNSQConsumer(NSQConsumerConfig{Topic: "http_tasks", Channel: "workers", MaxDeferral: time.Hour}, testLogger())
			c.now = func() time.Time { return now }

			d := &fakeDelegate{}
			m := nsq.NewMessage(nsq.MessageID{}, tt.body)
			m.Delegate = d

			called := false
			c.handleMessage(context.Background(), func(_ context.Context, msg Message) error {
				called = true
				if msg.TaskID != 3 {
					t.Errorf("TaskID = %d, want 3", msg.TaskID)
				}
				return tt.handlerErr
			}, m)

			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if d.finished != tt.wantFinish || d.requeued != tt.wantRequeue {
				t.Errorf("finish/requeue = %d/%d, want %d/%d", d.finished, d.requeued, tt.wantFinish, tt.wantRequeue)
			}
			if tt.wantRequeue > 0 && (d.delay != tt.wantDelay || d.backoff != tt.wantBackoff) {
				t.Errorf("requeue = %v backoff=%v, want %v backoff=%v", d.delay, d.backoff, tt.wantDelay, tt.wantBackoff)
			}
		})
	}
}

func TestNSQConsumer_TouchesLongAttempts(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	due, _ := NewMessage(context.Background(), 3, 0, now).Encode()

	c := NewNSQConsumer(NSQConsumerConfig{Topic: "http_tasks", Channel: "workers", TouchInterval: 5 * time.Millisecond}, testLogger())
	c.now = func() time.Time { return now }

	d := &fakeDelegate{}
	m := nsq.NewMessage(nsq.MessageID{}, due)
	m.Delegate = d

	c.handleMessage(context.Background(), func(context.Context, Message) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}, m)

	if d.touched == 0 {
		t.Errorf("touched = 0, want the message kept alive during a long attempt")
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finish/requeue = %d/%d, want 1/0", d.finished, d.requeued)
	}
}

func TestNSQConsumer_Config(t *testing.T) {
	tests := []struct {
		concurrency int
		want        int
	}{
		{concurrency: 0, want: 1},
		{concurrency: 1, want: 1},
		{concurrency: 8, want: 8},
	}

	for _, tt := range tests {
		c := NewNSQConsumer(NSQConsumerConfig{Topic: "http_tasks", Channel: "workers", Concurrency: tt.concurrency}, testLogger())
		conf := c.nsqConfig()
		if conf.MaxInFlight != tt.want {
			t.Errorf("concurrency %d: MaxInFlight = %d, want %d", tt.concurrency, conf.MaxInFlight, tt.want)
		}
		if conf.MaxAttempts != 0 {
			t.Errorf("concurrency %d: MaxAttempts = %d, want 0", tt.concurrency, conf.MaxAttempts)
		}
	}
	if c := NewNSQConsumer(NSQConsumerConfig{}, testLogger()); c.cfg.TouchInterval != DefaultTouchInterval {
		t.Errorf("TouchInterval = %v, want %v", c.cfg.TouchInterval, DefaultTouchInterval)
	}
}

func TestNSQDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"topics":[
			{"topic_name":"other","channels":[{"channel_name":"workers","depth":99}]},
			{"topic_name":"http_tasks","depth":1,"channels":[
				{"channel_name":"audit","depth":50},
				{"channel_name":"workers","depth":7,"in_flight_count":2,"deferred_count":5}
			]}
		]}`))
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		topic   string
		channel string
		want    int64
	}{
		{name: "depth plus deferred", topic: "http_tasks", channel: "workers", want: 12},
		{name: "other channel", topic: "http_tasks", channel: "audit", want: 50},
		{name: "unknown channel", topic: "http_tasks", channel: "missing", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NSQDepth{HTTPAddr: srv.URL, Topic: tt.topic, Channel: tt.channel}
			got, err := d.Depth(context.Background())
			if err != nil {
				t.Fatalf("Depth() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Depth() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFetchNSQStats_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "json" {
			_, _ = w.Write([]byte("not json"))
			return
		}
	}))
	defer srv.Close()

	if _, err := FetchNSQStats(context.Background(), nil, srv.URL); err == nil {
		t.Errorf("FetchNSQStats() expected decode error")
	}
	if _, err := FetchNSQStats(context.Background(), nil, "127.0.0.1:1"); err == nil {
		t.Errorf("FetchNSQStats() expected connection error")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("COURIER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COURIER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedis(rdb, RedisConfig{
		KeyPrefix:    "courier-test-" + time.Now().Format("150405.000"),
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}, testLogger())
	t.Cleanup(func() { rdb.Del(ctx, q.ReadyKey(), q.DelayedKey(), q.DLQKey(), q.ProcessingKey()) })

	if err := q.Enqueue(ctx, 2, 100*time.Millisecond); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, 1, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if d, err := q.Depth(ctx); err != nil || d != 2 {
		t.Errorf("Depth() = %d, %v, want 2", d, err)
	}
	if moved, err := q.MoveDue(ctx); err != nil || moved != 0 {
		t.Errorf("MoveDue() = %d, %v, want 0 before the delay elapses", moved, err)
	}

	got := collect(t, q, 2, func(Message) error { return nil })
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("delivery order = %v, want [1 2]", got)
	}
	if n, err := rdb.LLen(ctx, q.ProcessingKey()).Result(); err != nil || n != 0 {
		t.Errorf("processing list length = %d, %v, want 0 after handling", n, err)
	}

	dl := NewDeadLetter(&task.Task{ID: 2, Attempts: 3}, "max attempts reached (3)", time.Now())
	if err := q.PublishDeadLetter(ctx, dl); err != nil {
		t.Fatalf("PublishDeadLetter() error = %v", err)
	}
	dls, err := q.ListDeadLetters(ctx, 10)
	if err != nil || len(dls) != 1 || dls[0].Task.ID != 2 {
		t.Errorf("ListDeadLetters() = %+v, %v", dls, err)
	}
}

func TestRedis_ProcessingKey(t *testing.T) {
	tests := []struct {
		cfg  RedisConfig
		want string
	}{
		{cfg: RedisConfig{}, want: "courier:queue:processing:worker"},
		{cfg: RedisConfig{KeyPrefix: "tasks", ConsumerID: "worker-0"}, want: "tasks:queue:processing:worker-0"},
	}

	for _, tt := range tests {
		if got := NewRedis(nil, tt.cfg, testLogger()).ProcessingKey(); got != tt.want {
			t.Errorf("ProcessingKey() = %q, want %q", got, tt.want)
		}
	}
}

func TestRedis_RecoversInFlightMessages(t *testing.T) {
	addr := os.Getenv("COURIER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COURIER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := RedisConfig{
		KeyPrefix:    "courier-test-" + time.Now().Format("150405.000"),
		ConsumerID:   "worker-0",
		PollInterval: 10 * time.Millisecond,
	}
	q := NewRedis(rdb, cfg, testLogger())
	t.Cleanup(func() { rdb.Del(ctx, q.ReadyKey(), q.DelayedKey(), q.DLQKey(), q.ProcessingKey()) })

	// a worker that died after taking task 7 left it in its processing list
	body, err := NewMessage(ctx, 7, 0, time.Now()).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := rdb.RPush(ctx, q.ProcessingKey(), body).Err(); err != nil {
		t.Fatalf("RPush() error = %v", err)
	}
	if err := q.Enqueue(ctx, 8, 0); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// another consumer does not touch worker-0's list
	other := NewRedis(rdb, RedisConfig{KeyPrefix: cfg.KeyPrefix, ConsumerID: "worker-1"}, testLogger())
	if n, err := other.Recover(ctx); err != nil || n != 0 {
		t.Errorf("other.Recover() = %d, %v, want 0", n, err)
	}

	restarted := NewRedis(rdb, cfg, testLogger())
	got := collect(t, restarted, 2, func(Message) error { return nil })
	if got[0] != 7 || got[1] != 8 {
		t.Errorf("delivery order = %v, want the recovered task first [7 8]", got)
	}
	if n, err := rdb.LLen(ctx, q.ProcessingKey()).Result(); err != nil || n != 0 {
		t.Errorf("processing list length = %d, %v, want 0", n, err)
	}
}
