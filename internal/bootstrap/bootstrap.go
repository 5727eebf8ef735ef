// Package bootstrap opens the backends selected by configuration. Both the API and the
// worker processes build their dependencies through it.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/db"
	"github.com/austindbirch/courier/internal/health"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/ratelimit"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/tracing"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"

	BackendNSQ    = "nsq"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// OpenStore connects the task store named by cfg.Store.Driver
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		s, err := store.NewPostgres(ctx, pool, cfg.Store.AutoMigrate)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case DriverMySQL:
		gdb, err := db.ConnectMySQL(ctx, cfg.Store.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return store.NewGorm(gdb, cfg.Store.AutoMigrate)
	case DriverMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// NeedsRedis reports whether the queue or the rate limiter uses Redis
func NeedsRedis(cfg config.Config) bool {
	return cfg.Queue.Backend == BackendRedis ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Backend == BackendRedis)
}

// OpenRedis connects to Redis when the configuration needs it; otherwise it returns nil
func OpenRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !NeedsRedis(cfg) {
		return nil, nil
	}
	rdb, err := db.ConnectRedis(ctx, db.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return rdb, nil
}

// Queue bundles the pieces of one queue backend
type Queue struct {
	Backend     string
	Queue       queue.Queue
	Consumer    queue.Consumer
	Depth       queue.Depther
	DeadLetters queue.DeadLetterPublisher
	// Ping probes the broker for health checks; nil when there is nothing to probe
	Ping health.Pinger

	closers []func()
}

func (q *Queue) Close() {
	for i := len(q.closers) - 1; i >= 0; i-- {
		q.closers[i]()
	}
}

// OpenQueue builds the backend named by cfg.Queue.Backend. rdb must be set for the redis backend.
func OpenQueue(cfg config.Config, rdb *redis.Client, logger *logging.Logger) (*Queue, error) {
	switch cfg.Queue.Backend {
	case BackendNSQ:
		prod, err := queue.NewNSQProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return nil, err
		}
		nsqQueue := queue.NewNSQ(prod, cfg.NSQ.DispatchTopic, cfg.NSQ.DLQTopic, cfg.NSQ.MaxDeferral)
		depth := queue.NSQDepth{
			Client:   &http.Client{Timeout: 5 * time.Second},
			HTTPAddr: cfg.NSQ.NsqdHTTPAddr,
			Topic:    cfg.NSQ.DispatchTopic,
			Channel:  cfg.NSQ.WorkerChannel,
		}
		return &Queue{
			Backend: BackendNSQ,
			Queue:   nsqQueue,
			Consumer: queue.NewNSQConsumer(queue.NSQConsumerConfig{
				Topic:          cfg.NSQ.DispatchTopic,
				Channel:        cfg.NSQ.WorkerChannel,
				NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
				LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
				Concurrency:    cfg.Queue.Concurrency,
				MaxDeferral:    cfg.NSQ.MaxDeferral,
				TouchInterval:  cfg.NSQ.TouchInterval,
			}, logger),
			Depth:       depth,
			DeadLetters: nsqQueue,
			Ping: health.PingFunc(func(context.Context) error {
				return prod.Ping()
			}),
			closers: []func(){prod.Stop},
		}, nil
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis queue backend needs a redis client")
		}
		rq := queue.NewRedis(rdb, queue.RedisConfig{
			KeyPrefix:    cfg.Redis.KeyPrefix,
			ConsumerID:   cfg.Redis.ConsumerID,
			Concurrency:  cfg.Queue.Concurrency,
			PollInterval: cfg.Queue.PollInterval,
		}, logger)
		return &Queue{
			Backend:     BackendRedis,
			Queue:       rq,
			Consumer:    rq,
			Depth:       rq,
			DeadLetters: rq,
			Ping: health.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		}, nil
	case BackendMemory:
		mq := queue.NewMemory()
		return &Queue{Backend: BackendMemory, Queue: mq, Consumer: mq, Depth: mq}, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

// RateLimitGate builds the per-task rate limit gate. The redis limiter is used when
// configured and a client is available; otherwise buckets are local to the process.
func RateLimitGate(cfg config.Config, rdb *redis.Client, logger *logging.Logger) *ratelimit.Gate {
	var limiter ratelimit.Limiter = ratelimit.NewLocal()
	if cfg.RateLimit.Backend == BackendRedis && rdb != nil {
		limiter = ratelimit.NewRedis(rdb, logger)
	}
	return &ratelimit.Gate{
		Enabled:      cfg.RateLimit.Enabled,
		DefaultLimit: cfg.RateLimit.DefaultPerSecond,
		Limiter:      limiter,
		Logger:       logger,
	}
}

// TracingConfig maps the tracing section onto the exporter settings for service
func TracingConfig(cfg config.Config, service string) tracing.Config {
	return tracing.Config{
		ServiceName: service,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
	}
}
