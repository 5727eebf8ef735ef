// Package api exposes the task service over a JSON HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/health"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/tracing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 4 << 20
)

var errEmptyBody = errors.New("empty request body")

// Authenticator wraps protected routes; *auth.JWTValidator implements it
type Authenticator interface {
	HTTPMiddleware(next http.Handler) http.Handler
}

type Server struct {
	svc     *service.Service
	logger  *logging.Logger
	auth    Authenticator
	checks  map[string]health.Pinger
	metrics http.Handler
}

type Option func(*Server)

func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// WithAuth requires a valid token on every /v1 route
func WithAuth(a Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithHealthChecks sets the dependencies probed by /healthz
func WithHealthChecks(checks map[string]health.Pinger) Option {
	return func(s *Server) { s.checks = checks }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func New(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		logger:  logging.New("courier-api"),
		metrics: promhttp.Handler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)

	r.Get("/healthz", health.HTTPHandler(s.checks))
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.HTTPMiddleware)
		}

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks/retry-failed", s.handleRetryFailed)

		r.Route("/tasks/batch", func(r chi.Router) {
			r.Post("/", s.handleCreateBatch)
			r.Post("/urls", s.handleBatchURLs)
			r.Post("/api-calls", s.handleBatchAPICalls)
			r.Post("/resources", s.handleBatchResources)
			r.Post("/webhooks", s.handleBatchWebhooks)
			r.Post("/scheduled", s.handleBatchScheduled)
		})

		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/logs", s.handleTaskLogs)
		r.Get("/tasks/{id}/logs/latest", s.handleLatestLog)
		r.Post("/tasks/{id}/retry", s.handleRetryTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)

		r.Get("/stats", s.handleStatistics)
		r.Post("/maintenance/cleanup", s.handleCleanup)
		r.Post("/maintenance/recover-stale", s.handleRecoverStale)
	})

	return r
}

// traceRequests starts a server span per request, continuing any incoming trace
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracing.StartSpan(ctx, "api.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName("api." + r.Method + " " + rctx.RoutePattern())
		}
		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
	})
}

type errorResponse struct {
	Error string     `json:"error"`
	Code  string     `json:"code"`
	Task  *task.Task `json:"task,omitempty"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps service errors onto HTTP statuses
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, task.ErrPrecondition):
		return http.StatusConflict, "precondition_failed"
	case errors.Is(err, task.ErrInvalid), errors.Is(err, service.ErrCleanupScope):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		tracing.SetSpanError(r.Context(), err)
	}
	respondError(w, status, code, err.Error())
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func parseBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
