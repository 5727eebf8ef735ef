package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
)

const maxEchoBody = 1 << 20

// receiver is a flaky HTTP target for exercising task retries
type receiver struct {
	failFirstN int64
	failStatus int
	delay      time.Duration
	logger     *logging.Logger

	requests atomic.Int64
	failures atomic.Int64
}

type echoResponse struct {
	Request int64               `json:"request"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body,omitempty"`
}

type statsResponse struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	status := cfg.FailStatus
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return &receiver{
		failFirstN: int64(cfg.FailFirstN),
		failStatus: status,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Get("/_stats", rc.handleStats)
	r.Post("/_reset", rc.handleReset)
	r.HandleFunc("/status/{code}", rc.handleStatus)
	r.HandleFunc("/*", rc.handleEcho)
	return r
}

// handleEcho fails the first N requests with the configured status, then echoes the request
func (rc *receiver) handleEcho(w http.ResponseWriter, r *http.Request) {
	n := rc.requests.Add(1)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEchoBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if !rc.wait(r.Context()) {
		return
	}

	entry := rc.logger.WithContext(r.Context()).WithFields(map[string]any{
		"request": n,
		"method":  r.Method,
		"path":    r.URL.Path,
		"bytes":   len(body),
	})
	if n <= rc.failFirstN {
		rc.failures.Add(1)
		entry.WithField("status", rc.failStatus).Warn("failing request")
		http.Error(w, fmt.Sprintf("temporary failure %d/%d", n, rc.failFirstN), rc.failStatus)
		return
	}

	entry.Info("request ok")
	writeJSON(w, http.StatusOK, echoResponse{
		Request: n,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: r.Header,
		Body:    string(body),
	})
}

// handleStatus answers with the status in the path, e.g. /status/404
func (rc *receiver) handleStatus(w http.ResponseWriter, r *http.Request) {
	rc.requests.Add(1)
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 200 || code > 599 {
		http.Error(w, "status must be between 200 and 599", http.StatusBadRequest)
		return
	}
	if !rc.wait(r.Context()) {
		return
	}
	if code >= 400 {
		rc.failures.Add(1)
	}
	writeJSON(w, code, map[string]int{"status": code})
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Requests: rc.requests.Load(), Failures: rc.failures.Load()})
}

func (rc *receiver) handleReset(w http.ResponseWriter, _ *http.Request) {
	rc.requests.Store(0)
	rc.failures.Store(0)
	w.WriteHeader(http.StatusNoContent)
}

// wait applies the configured response delay; false means the client went away
func (rc *receiver) wait(ctx context.Context) bool {
	if rc.delay <= 0 {
		return true
	}
	t := time.NewTimer(rc.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("courier-fake-receiver")
	rc := newReceiver(cfg.FakeReceiver, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"fail_first_n": rc.failFirstN,
			"fail_status":  rc.failStatus,
			"delay":        rc.delay.String(),
		}).Info("fake receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake receiver failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("fake receiver stopped")
}
