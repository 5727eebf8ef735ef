// Package worker runs the dispatch loop of a worker process: it consumes queued task IDs,
// periodically sweeps tasks abandoned in processing, and reports the queue backlog.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/queue"
	"github.com/austindbirch/courier/internal/service"
)

const defaultRecoveryLimit = 100

// Recoverer re-queues or fails tasks stuck in processing
type Recoverer interface {
	RecoverStale(ctx context.Context, grace time.Duration, limit int) (*service.RecoveryReport, error)
}

type Config struct {
	StaleGrace       time.Duration // zero disables the sweep
	RecoveryInterval time.Duration
	RecoveryLimit    int
	BacklogInterval  time.Duration // zero disables backlog reporting
}

type Worker struct {
	consumer  queue.Consumer
	handler   queue.Handler
	recoverer Recoverer
	depth     queue.Depther
	cfg       Config
	logger    *logging.Logger
}

type Option func(*Worker)

func WithRecoverer(r Recoverer) Option    { return func(w *Worker) { w.recoverer = r } }
func WithDepth(d queue.Depther) Option    { return func(w *Worker) { w.depth = d } }
func WithLogger(l *logging.Logger) Option { return func(w *Worker) { w.logger = l } }

func New(consumer queue.Consumer, handler queue.Handler, cfg Config, opts ...Option) *Worker {
	if cfg.RecoveryLimit <= 0 {
		cfg.RecoveryLimit = defaultRecoveryLimit
	}
	w := &Worker{consumer: consumer, handler: handler, cfg: cfg, logger: logging.New("courier-worker")}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx is cancelled or the consumer fails. Background loops stop with it.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if w.recoverer != nil && w.cfg.StaleGrace > 0 && w.cfg.RecoveryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.every(ctx, w.cfg.RecoveryInterval, w.SweepStale)
		}()
	}
	if w.depth != nil && w.cfg.BacklogInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.every(ctx, w.cfg.BacklogInterval, w.ReportBacklog)
		}()
	}

	w.logger.Plain().Info("worker consuming")
	err := w.consumer.Consume(ctx, w.handler)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SweepStale runs one stale-processing recovery pass
func (w *Worker) SweepStale(ctx context.Context) {
	rep, err := w.recoverer.RecoverStale(ctx, w.cfg.StaleGrace, w.cfg.RecoveryLimit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Plain().WithError(err).Error("stale task recovery failed")
		}
		return
	}
	if rep.Requeued > 0 || rep.Failed > 0 {
		w.logger.Plain().WithFields(map[string]any{
			"requeued": rep.Requeued,
			"failed":   rep.Failed,
		}).Warn("recovered stale processing tasks")
	}
}

// ReportBacklog publishes the current queue depth
func (w *Worker) ReportBacklog(ctx context.Context) {
	n, err := w.depth.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Plain().WithError(err).Warn("queue depth unavailable")
		}
		return
	}
	metrics.UpdateQueueBacklog(float64(n))
}
