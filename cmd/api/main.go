package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/courier/internal/api"
	"github.com/austindbirch/courier/internal/auth"
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

const healthInterval = 10 * time.Second

// buildAuth returns nil when auth is disabled. A public key file wins over a JWKS URL.
func buildAuth(ctx context.Context, cfg config.Auth) (api.Authenticator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		return auth.NewJWTValidator(string(pem), cfg.Issuer, cfg.Audience)
	}
	if cfg.JWKSURL != "" {
		return auth.NewJWKSValidator(ctx, &http.Client{Timeout: 10 * time.Second}, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	}
	return nil, errors.New("auth enabled without a public key path or JWKS URL")
}

// healthChecks lists the dependencies the API cannot serve without
func healthChecks(st store.Store, q *bootstrap.Queue) map[string]health.Pinger {
	checks := map[string]health.Pinger{"store": st}
	if q.Ping != nil {
		checks[q.Backend] = q.Ping
	}
	return checks
}

// standaloneWorker runs dispatch in-process for the memory queue, which no other process can reach
func standaloneWorker(cfg config.Config, st store.Store, q *bootstrap.Queue, svc *service.Service, logger *logging.Logger) *worker.Worker {
	policy := retry.New()
	exec := executor.New(st.Tasks(), st.Logs(), executor.NewHTTPTransport(cfg.Worker.FailOnStatus, cfg.Worker.MaxResponseBytes),
		executor.WithPolicy(policy),
		executor.WithLogger(logger),
		executor.WithRateLimit(bootstrap.RateLimitGate(cfg, nil, logger)),
	)
	h := dispatch.NewHandler(st.Tasks(), exec, q.Queue, dispatch.WithPolicy(policy), dispatch.WithLogger(logger))
	return worker.New(q.Consumer, h.HandleMessage, worker.Config{
		StaleGrace:       cfg.Worker.StaleGrace,
		RecoveryInterval: cfg.Worker.RecoveryInterval,
		BacklogInterval:  cfg.Worker.BacklogInterval,
	}, worker.WithRecoverer(svc), worker.WithDepth(q.Depth), worker.WithLogger(logger))
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("courier-api")
	logging.SetDefault(logger)

	shutdownTracing, err := tracing.InitTracing(ctx, bootstrap.TracingConfig(cfg, "courier-api"))
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

	svc := service.New(st.Tasks(), st.Logs(), q.Queue,
		service.WithLogger(logger),
		service.WithDefaults(cfg.TaskDefaults()),
	)

	authn, err := buildAuth(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	checks := healthChecks(st, q)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithHealthChecks(checks),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if authn != nil {
		opts = append(opts, api.WithAuth(authn))
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           api.New(svc, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC carries the standard health service for orchestrators
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, healthInterval, checks)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("api gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":  cfg.HTTPPort,
			"store": cfg.Store.Driver,
			"queue": q.Backend,
			"auth":  authn != nil,
		}).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	workerDone := make(chan error, 1)
	if q.Backend == bootstrap.BackendMemory {
		logger.Plain().Warn("memory queue selected, dispatching tasks in-process")
		w := standaloneWorker(cfg, st, q, svc, logger)
		go func() { workerDone <- w.Run(ctx) }()
	} else {
		close(workerDone)
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	cancel()
	if err := <-workerDone; err != nil {
		logger.Plain().WithError(err).Error("in-process worker stopped with error")
	}
	logger.Plain().Info("api stopped")
}
