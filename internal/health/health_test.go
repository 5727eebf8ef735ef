package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func failing(err error) Pinger {
	return PingFunc(func(context.Context) error { return err })
}

var up = PingFunc(func(context.Context) error { return nil })

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             map[string]Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "no dependencies",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{}},
		},
		{
			name:               "healthy store",
			checks:             map[string]Pinger{"database": up},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{"database": true}},
		},
		{
			name:               "store ping failure",
			checks:             map[string]Pinger{"database": failing(context.DeadlineExceeded), "queue": up},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false, "queue": true},
			},
		},
		{
			name:               "first failure by name",
			checks:             map[string]Pinger{"redis": failing(errors.New("down")), "database": failing(errors.New("down"))},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				OK:      false,
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false, "redis": false},
			},
		},
		{
			name:               "nil pinger is skipped",
			checks:             map[string]Pinger{"queue": nil},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Checks: map[string]bool{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.checks)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedStatus.OK {
				t.Errorf("HTTPHandler() Status.OK = %v, want %v", status.OK, tt.expectedStatus.OK)
			}
			if status.Message != tt.expectedStatus.Message {
				t.Errorf("HTTPHandler() Status.Message = %q, want %q", status.Message, tt.expectedStatus.Message)
			}
			if len(status.Checks) != len(tt.expectedStatus.Checks) {
				t.Fatalf("HTTPHandler() Status.Checks = %v, want %v", status.Checks, tt.expectedStatus.Checks)
			}
			for name, want := range tt.expectedStatus.Checks {
				if status.Checks[name] != want {
					t.Errorf("HTTPHandler() Checks[%s] = %v, want %v", name, status.Checks[name], want)
				}
			}
		})
	}
}

func TestCheck_PingGetsDeadline(t *testing.T) {
	var hadDeadline bool
	Check(context.Background(), map[string]Pinger{"database": PingFunc(func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})})
	if !hadDeadline {
		t.Error("Check() should bound each ping with a timeout")
	}
}

func TestWatch(t *testing.T) {
	srv := grpchealth.NewServer()
	healthy := make(chan bool, 1)
	healthy <- false
	current := false
	pinger := PingFunc(func(context.Context) error {
		select {
		case current = <-healthy:
		default:
		}
		if !current {
			return errors.New("down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, srv, 5*time.Millisecond, map[string]Pinger{"database": pinger})
		close(done)
	}()

	waitFor := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
			if err == nil && resp.GetStatus() == want {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Fatalf("health status never became %v", want)
	}

	waitFor(healthpb.HealthCheckResponse_NOT_SERVING)
	healthy <- true
	waitFor(healthpb.HealthCheckResponse_SERVING)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}
