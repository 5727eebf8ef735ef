package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tasks_created_total",
			Help: "Total number of tasks created by priority.",
		},
		[]string{"priority"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_attempts_total",
			Help: "Total number of HTTP attempts by result.",
		},
		[]string{"result"}, // success, failure, timeout, network_error
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_attempt_latency_seconds",
			Help:    "Latency of HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_responses_total",
			Help: "HTTP responses received by status class.",
		},
		[]string{"class"}, // 2xx, 3xx, 4xx, 5xx
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"}, // http_5xx, http_429, http_4xx, timeout, connection_refused, dns_error, network, other
	)

	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_outcomes_total",
			Help: "Dispatch handler outcomes.",
		},
		[]string{"outcome"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		},
		[]string{"status"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_rate_limit_wait_seconds",
			Help:    "Time spent blocked on the per-key rate limiter.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	RateLimitFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_fallback_total",
			Help: "Rate limit checks served by the local limiter because Redis failed.",
		},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dlq_total",
			Help: "Total number of failed tasks published as dead letters.",
		},
		[]string{"reason"},
	)

	StaleRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_stale_recovered_total",
			Help: "Tasks recovered from an abandoned processing state.",
		},
		[]string{"status"},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_backlog",
			Help: "Dispatch messages waiting in the queue.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_nsq_topic_depth",
			Help: "Depth of NSQ channels on the dispatch topic.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_nsq_channel_inflight",
			Help: "In-flight messages on NSQ channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksCreatedTotal,
		AttemptsTotal,
		AttemptLatency,
		HTTPResponsesTotal,
		RetriesTotal,
		DispatchOutcomesTotal,
		TasksFinishedTotal,
		RateLimitWait,
		RateLimitFallbackTotal,
		DLQTotal,
		StaleRecoveredTotal,
		QueueBacklog,
		NSQTopicDepth,
		NSQChannelInFlight,
	)
}

func RecordTaskCreated(priority string) {
	TasksCreatedTotal.WithLabelValues(priority).Inc()
}

// RecordAttempt counts one executor attempt and, when a response arrived, its status class
func RecordAttempt(result string, statusCode int, latency time.Duration) {
	AttemptsTotal.WithLabelValues(result).Inc()
	AttemptLatency.WithLabelValues(result).Observe(latency.Seconds())
	if statusCode > 0 {
		HTTPResponsesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDispatch(outcome string) {
	DispatchOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordFinished(status string) {
	TasksFinishedTotal.WithLabelValues(status).Inc()
}

func RecordRateLimitWait(d time.Duration) {
	RateLimitWait.Observe(d.Seconds())
}

func RecordRateLimitFallback() {
	RateLimitFallbackTotal.Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordStaleRecovered(status string) {
	StaleRecoveredTotal.WithLabelValues(status).Inc()
}

func UpdateQueueBacklog(n float64) {
	QueueBacklog.Set(n)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}

func UpdateNSQInFlight(topic, channel string, n float64) {
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(n)
}

// StatusClass buckets an HTTP status code as "2xx", "4xx" and so on
func StatusClass(code int) string {
	switch {
	case code < 100:
		return "other"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	}
	return "other"
}
