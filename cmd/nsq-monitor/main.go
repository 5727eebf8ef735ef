package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/queue"
)

// monitor exports nsqd channel stats for the dispatch and dead letter topics
type monitor struct {
	client   *http.Client
	httpAddr string
	topic    string // dispatch topic; its worker channel drives the backlog gauge
	channel  string
	dlqTopic string
}

func (m monitor) update(ctx context.Context) error {
	stats, err := queue.FetchNSQStats(ctx, m.client, m.httpAddr)
	if err != nil {
		return err
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic && topic.TopicName != m.dlqTopic {
			continue
		}
		for _, channel := range topic.Channels {
			if topic.TopicName == m.topic && channel.ChannelName == m.channel {
				metrics.UpdateQueueBacklog(float64(channel.Backlog()))
			}
			metrics.UpdateNSQTopicDepth(topic.TopicName, channel.ChannelName, float64(channel.Depth))
			metrics.UpdateNSQInFlight(topic.TopicName, channel.ChannelName, float64(channel.InFlightCount))
		}
	}
	return nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("courier-nsq-monitor")
	port := getEnv("NSQ_MONITOR_PORT", ":8085")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	m := monitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		httpAddr: cfg.NSQ.NsqdHTTPAddr,
		topic:    cfg.NSQ.DispatchTopic,
		channel:  cfg.NSQ.WorkerChannel,
		dlqTopic: cfg.NSQ.DLQTopic,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.QueueBacklog, metrics.NSQTopicDepth, metrics.NSQChannelInFlight)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := m.update(ctx); err != nil && ctx.Err() == nil {
				logger.Plain().WithError(err).Error("nsq stats update failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     port,
			"nsqd":     m.httpAddr,
			"interval": interval.String(),
		}).Info("nsq monitor starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("nsq monitor HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("nsq monitor stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
