package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const pingTimeout = time.Second

// Pinger is anything the process depends on that can be probed: the task store, redis, nsqd
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// Check pings every dependency. Message names the first failing one in name order.
func Check(ctx context.Context, checks map[string]Pinger) Status {
	st := Status{OK: true, Message: "ok", Checks: make(map[string]bool, len(checks))}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := checks[name]
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Ping(pctx)
		cancel()
		st.Checks[name] = err == nil
		if err != nil && st.OK {
			st.OK = false
			st.Message = name + " ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health server's overall status in line with the checks until ctx is done
func Watch(ctx context.Context, srv *grpchealth.Server, interval time.Duration, checks map[string]Pinger) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, checks).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
