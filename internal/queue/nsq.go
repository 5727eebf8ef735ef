package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/tracing"
)

// DefaultMaxDeferral matches nsqd's default --max-req-timeout
const DefaultMaxDeferral = time.Hour

// DefaultTouchInterval stays well inside nsqd's default 60s --msg-timeout
const DefaultTouchInterval = 20 * time.Second

// Publisher is the subset of *nsq.Producer the queue needs
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// NewNSQProducer connects a producer to nsqd and checks it is reachable
func NewNSQProducer(nsqdTCPAddr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", nsqdTCPAddr, err)
	}
	return prod, nil
}

// NSQ publishes dispatch messages to a topic. Delays longer than MaxDeferral are split:
// the message is deferred for MaxDeferral and the consumer requeues it until it is due.
type NSQ struct {
	pub         Publisher
	topic       string
	dlqTopic    string
	maxDeferral time.Duration
	now         func() time.Time
}

func NewNSQ(pub Publisher, topic, dlqTopic string, maxDeferral time.Duration) *NSQ {
	if maxDeferral <= 0 {
		maxDeferral = DefaultMaxDeferral
	}
	return &NSQ{pub: pub, topic: topic, dlqTopic: dlqTopic, maxDeferral: maxDeferral, now: time.Now}
}

func (q *NSQ) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	m := NewMessage(ctx, taskID, delay, q.now())
	body, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}

	if delay <= 0 {
		err = q.pub.Publish(q.topic, body)
	} else {
		err = q.pub.DeferredPublish(q.topic, min(delay, q.maxDeferral), body)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish %s: %w", q.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_task",
		attribute.String("topic", q.topic),
		attribute.Int64("task.id", taskID),
		attribute.String("delay", delay.String()),
	)
	return nil
}

func (q *NSQ) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.pub.Publish(q.dlqTopic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", q.dlqTopic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", q.dlqTopic))
	return nil
}

// NSQConsumerConfig locates the topic a worker reads
type NSQConsumerConfig struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	Concurrency    int
	MaxDeferral    time.Duration
	TouchInterval  time.Duration
}

// NSQConsumer reads dispatch messages with manual acknowledgement
type NSQConsumer struct {
	cfg    NSQConsumerConfig
	now    func() time.Time
	logger *logging.Logger
}

func NewNSQConsumer(cfg NSQConsumerConfig, logger *logging.Logger) *NSQConsumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeferral <= 0 {
		cfg.MaxDeferral = DefaultMaxDeferral
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = DefaultTouchInterval
	}
	if logger == nil {
		logger = logging.New("courier-queue")
	}
	return &NSQConsumer{cfg: cfg, now: time.Now, logger: logger}
}

// nsqConfig holds no more messages in flight than there are handlers, so none waits client-side
// while nsqd's message timeout runs
func (c *NSQConsumer) nsqConfig() *nsq.Config {
	conf := nsq.NewConfig()
	conf.MaxInFlight = c.cfg.Concurrency
	// not-yet-due messages are requeued repeatedly; attempts say nothing about failure here
	conf.MaxAttempts = 0
	return conf
}

func (c *NSQConsumer) Consume(ctx context.Context, h Handler) error {
	consumer, err := nsq.NewConsumer(c.cfg.Topic, c.cfg.Channel, c.nsqConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		c.handleMessage(ctx, h, m)
		return nil
	}), c.cfg.Concurrency)

	// Connecting directly to nsqd forces channel creation instead of waiting for the first publish
	if c.cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if c.cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(c.cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

func (c *NSQConsumer) handleMessage(ctx context.Context, h Handler, m *nsq.Message) {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			c.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	msg, err := DecodeMessage(m.Body)
	if err != nil {
		c.logger.Plain().WithError(err).Error("bad dispatch payload")
		m.Finish() // terminal: don't retry bad payloads
		return
	}

	if wait := msg.Remaining(c.now()); wait > 0 {
		m.RequeueWithoutBackoff(min(wait, c.cfg.MaxDeferral))
		return
	}

	stop := c.keepAlive(m)
	err = h(msg.Context(ctx), msg)
	stop()
	if err == nil {
		m.Finish()
		return
	}
	entry := c.logger.WithContext(ctx).WithTask(msg.TaskID).WithError(err)
	if ShouldRedeliver(err) {
		entry.Warn("dispatch failed, requeueing")
		m.Requeue(redeliverDelay)
		return
	}
	entry.Error("dispatch failed, dropping message")
	m.Finish()
}

// keepAlive touches m every TouchInterval until the returned func is called
func (c *NSQConsumer) keepAlive(m *nsq.Message) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.TouchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Touch()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
