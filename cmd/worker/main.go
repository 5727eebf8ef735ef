package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/bootstrap"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/dispatch"
	"github.com/austindbirch/courier/internal/executor"
	"github.com/austindbirch/courier/internal/health"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/retry"
	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/tracing"
	"github.com/austindbirch/courier/internal/worker"
)

// newWorker wires the executor, the dispatch handler and stale recovery over one store and queue
func newWorker(cfg config.Config, st store.Store, q *bootstrap.Queue, rdb *redis.Client, logger *logging.Logger) *worker.Worker {
	policy := retry.New()
	exec := executor.New(st.Tasks(), st.Logs(),
		executor.NewHTTPTransport(cfg.Worker.FailOnStatus, cfg.Worker.MaxResponseBytes),
		executor.WithPolicy(policy),
		executor.WithLogger(logger),
		executor.WithRateLimit(bootstrap.RateLimitGate(cfg, rdb, logger)),
	)

	opts := []dispatch.Option{dispatch.WithPolicy(policy), dispatch.WithLogger(logger)}
	if cfg.Worker.PublishDLQ && q.DeadLetters != nil {
		opts = append(opts, dispatch.WithDeadLetters(q.DeadLetters))
	}
	h := dispatch.NewHandler(st.Tasks(), exec, q.Queue, opts...)

	// stale recovery re-queues through the same queue the handler uses
	svc := service.New(st.Tasks(), st.Logs(), q.Queue, service.WithPolicy(policy), service.WithLogger(logger))

	return worker.New(q.Consumer, h.HandleMessage, worker.Config{
		StaleGrace:       cfg.Worker.StaleGrace,
		RecoveryInterval: cfg.Worker.RecoveryInterval,
		BacklogInterval:  cfg.Worker.BacklogInterval,
	}, worker.WithRecoverer(svc), worker.WithDepth(q.Depth), worker.WithLogger(logger))
}

// adminMux serves the worker's health and metrics endpoints
func adminMux(reg *prometheus.Registry, checks map[string]health.Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("courier-worker")
	logging.SetDefault(logger)

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.InitTracing(ctx, bootstrap.TracingConfig(cfg, "courier-worker"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer st.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis connect failed")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	q, err := bootstrap.OpenQueue(cfg, rdb, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("queue open failed")
	}
	defer q.Close()
	if q.Backend == bootstrap.BackendMemory {
		logger.Plain().Warn("memory queue is private to this process; use cmd/api for standalone mode")
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	checks := map[string]health.Pinger{"store": st}
	if q.Ping != nil {
		checks[q.Backend] = q.Ping
	}
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: adminMux(reg, checks), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	w := newWorker(cfg, st, q, rdb, logger)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	logger.Plain().WithFields(map[string]any{
		"queue":       q.Backend,
		"store":       cfg.Store.Driver,
		"concurrency": cfg.Queue.Concurrency,
		"publish_dlq": cfg.Worker.PublishDLQ,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-stop:
		logger.Plain().Info("shutting down worker service")
		cancel()
		if err := <-done; err != nil {
			logger.Plain().WithError(err).Error("worker stopped with error")
		}
	case err := <-done:
		if err != nil {
			logger.Plain().WithError(err).Error("worker consumer failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
