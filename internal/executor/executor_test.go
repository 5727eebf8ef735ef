package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/truncate"
)

type stubTransport struct {
	resp  *Response
	err   error
	calls int
}

func (s *stubTransport) Send(*http.Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func newTestExecutor(t *testing.T, tr Transport) (*Executor, *store.Memory) {
	t.Helper()
	core, _ := observer.New(zapcore.DebugLevel)
	mem := store.NewMemory()
	return New(mem.Tasks(), mem.Logs(), tr, WithLogger(logging.NewWithCore("test", core))), mem
}

func savedTask(t *testing.T, mem *store.Memory, method, url string, opts task.Options) *task.Task {
	t.Helper()
	tk, err := task.New(method, url, opts, task.DefaultDefaults, time.Now())
	if err != nil {
		t.Fatalf("task.New() error = %v", err)
	}
	if err := mem.Tasks().Save(context.Background(), tk); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return tk
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Receiver", "test")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_StatusOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		maxAttempts  int
		wantStatus   task.Status
		wantResult   task.Result
		wantComplete bool
		wantErrMsg   string
	}{
		{"200 completes", 200, 3, task.StatusCompleted, task.ResultSuccess, true, ""},
		{"204 completes", 204, 3, task.StatusCompleted, task.ResultSuccess, true, ""},
		{"404 is terminal despite budget", 404, 3, task.StatusFailed, task.ResultFailure, true, "Client Error 404"},
		{"400 is terminal", 400, 3, task.StatusFailed, task.ResultFailure, true, "Client Error 400"},
		{"429 retries", 429, 3, task.StatusPending, task.ResultFailure, false, "Client Error 429"},
		{"408 retries", 408, 3, task.StatusPending, task.ResultFailure, false, "Client Error 408"},
		{"409 retries", 409, 3, task.StatusPending, task.ResultFailure, false, "Client Error 409"},
		{"500 retries", 500, 3, task.StatusPending, task.ResultFailure, false, "Server Error 500"},
		{"500 without budget fails", 500, 1, task.StatusFailed, task.ResultFailure, true, "Server Error 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := statusServer(t, tt.status, "reply")
			ex, mem := newTestExecutor(t, NewHTTPTransport(true, 0))
			tk := savedTask(t, mem, task.MethodGet, srv.URL, task.Options{MaxAttempts: task.IntPtr(tt.maxAttempts)})

			log, err := ex.Execute(context.Background(), tk)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if tk.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", tk.Status, tt.wantStatus)
			}
			if log.Result != tt.wantResult {
				t.Errorf("Result = %v, want %v", log.Result, tt.wantResult)
			}
			if tk.Attempts != 1 || log.AttemptNumber != 1 {
				t.Errorf("Attempts = %d, AttemptNumber = %d, want 1", tk.Attempts, log.AttemptNumber)
			}
			if (tk.CompletedAt != nil) != tt.wantComplete {
				t.Errorf("CompletedAt = %v, wantComplete %v", tk.CompletedAt, tt.wantComplete)
			}
			if log.ResponseCode == nil || *log.ResponseCode != tt.status {
				t.Errorf("ResponseCode = %v, want %d", log.ResponseCode, tt.status)
			}
			if tk.LastResponseCode == nil || *tk.LastResponseCode != tt.status {
				t.Errorf("LastResponseCode = %v, want %d", tk.LastResponseCode, tt.status)
			}
			if tt.wantErrMsg == "" && log.ErrorMessage != nil {
				t.Errorf("ErrorMessage = %q, want none", *log.ErrorMessage)
			}
			if tt.wantErrMsg != "" && (log.ErrorMessage == nil || !strings.HasPrefix(*log.ErrorMessage, tt.wantErrMsg)) {
				t.Errorf("ErrorMessage = %v, want prefix %q", log.ErrorMessage, tt.wantErrMsg)
			}
			if got := log.ResponseHeaders["X-Receiver"]; len(got) != 1 || got[0] != "test" {
				t.Errorf("ResponseHeaders = %v", log.ResponseHeaders)
			}

			stored, _ := mem.Tasks().Find(context.Background(), tk.ID)
			if stored.Status != tt.wantStatus || stored.Attempts != 1 {
				t.Errorf("stored task = %v/%d, want %v/1", stored.Status, stored.Attempts, tt.wantStatus)
			}
			logs, _ := mem.Logs().FindByTask(context.Background(), tk.ID)
			if len(logs) != 1 {
				t.Errorf("logs = %d, want exactly 1", len(logs))
			}
		})
	}
}

func TestExecute_NonThrowingFailure(t *testing.T) {
	srv := statusServer(t, 503, "down")
	ex, mem := newTestExecutor(t, NewHTTPTransport(false, 0))
	tk := savedTask(t, mem, task.MethodPost, srv.URL, task.Options{})

	log, err := ex.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := fmt.Sprintf("HTTP 503: POST %s", srv.URL)
	if log.ErrorMessage == nil || *log.ErrorMessage != want {
		t.Errorf("ErrorMessage = %v, want %q", log.ErrorMessage, want)
	}
	if tk.Status != task.StatusPending || log.Result != task.ResultFailure {
		t.Errorf("Status/Result = %v/%v, want pending/failure", tk.Status, log.Result)
	}
	if tk.LastResponseBody == nil || *tk.LastResponseBody != "down" {
		t.Errorf("LastResponseBody = %v", tk.LastResponseBody)
	}
}

func TestExecute_TransportErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantResult task.Result
	}{
		{"timeout", &TransportError{Err: errors.New("request timeout"), Timeout: true}, task.ResultTimeout},
		{"refused", &TransportError{Err: errors.New("dial tcp: connection refused")}, task.ResultNetworkError},
		{"generic error", errors.New("invalid JSON body"), task.ResultFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, mem := newTestExecutor(t, &stubTransport{err: tt.err})
			tk := savedTask(t, mem, task.MethodGet, "https://api.example.com", task.Options{})

			log, err := ex.Execute(context.Background(), tk)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if log.Result != tt.wantResult {
				t.Errorf("Result = %v, want %v", log.Result, tt.wantResult)
			}
			if log.ErrorMessage == nil || *log.ErrorMessage != tt.err.Error() {
				t.Errorf("ErrorMessage = %v, want %q", log.ErrorMessage, tt.err.Error())
			}
			if tk.LastErrorMessage == nil || *tk.LastErrorMessage != tt.err.Error() {
				t.Errorf("LastErrorMessage = %v", tk.LastErrorMessage)
			}
			if tk.Status != task.StatusPending {
				t.Errorf("Status = %v, want pending", tk.Status)
			}
			if log.ResponseCode != nil || tk.LastResponseCode != nil {
				t.Error("no response code expected for transport failures")
			}
		})
	}
}

func TestExecute_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ex, mem := newTestExecutor(t, NewHTTPTransport(true, 0))
	tk := savedTask(t, mem, task.MethodGet, url, task.Options{})
	log, err := ex.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if log.Result != task.ResultNetworkError {
		t.Errorf("Result = %v, want network_error", log.Result)
	}
}

func TestExecute_RetrySequence(t *testing.T) {
	ex, mem := newTestExecutor(t, &stubTransport{err: &TransportError{Err: errors.New("connection reset")}})
	tk := savedTask(t, mem, task.MethodGet, "https://api.example.com", task.Options{
		MaxAttempts:     task.IntPtr(3),
		RetryDelayMs:    task.IntPtr(1000),
		RetryMultiplier: func() *float64 { f := 2.0; return &f }(),
	})

	wantDelay := []time.Duration{time.Second, 2 * time.Second}
	for i := 1; i <= 3; i++ {
		if _, err := ex.Execute(context.Background(), tk); err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		if tk.Attempts != i {
			t.Fatalf("Attempts = %d, want %d", tk.Attempts, i)
		}
		if i < 3 {
			if tk.Status != task.StatusPending || !ex.Policy().CanRetry(tk) {
				t.Fatalf("after attempt %d: status %v, canRetry %v", i, tk.Status, ex.Policy().CanRetry(tk))
			}
			d := ex.Policy().NextRetryDelay(tk)
			lo, hi := wantDelay[i-1], wantDelay[i-1]+wantDelay[i-1]/10
			if d < lo || d > hi {
				t.Errorf("NextRetryDelay() after %d = %v, want [%v, %v]", i, d, lo, hi)
			}
		}
	}
	if tk.Status != task.StatusFailed || ex.Policy().CanRetry(tk) || tk.CompletedAt == nil {
		t.Errorf("final task = %v canRetry=%v completed=%v", tk.Status, ex.Policy().CanRetry(tk), tk.CompletedAt)
	}
	logs, _ := mem.Logs().FindByTask(context.Background(), tk.ID)
	if len(logs) != 3 {
		t.Errorf("logs = %d, want 3", len(logs))
	}
}

func TestExecute_Preconditions(t *testing.T) {
	for _, status := range []task.Status{task.StatusCompleted, task.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			tr := &stubTransport{resp: &Response{StatusCode: 200}}
			ex, mem := newTestExecutor(t, tr)
			tk := savedTask(t, mem, task.MethodGet, "https://api.example.com", task.Options{})
			tk.Status = status
			_ = mem.Tasks().Save(context.Background(), tk)

			_, err := ex.Execute(context.Background(), tk)
			if !errors.Is(err, task.ErrPrecondition) {
				t.Fatalf("Execute() error = %v, want ErrPrecondition", err)
			}
			if tk.Attempts != 0 || tr.calls != 0 {
				t.Errorf("Attempts = %d, calls = %d, want 0", tk.Attempts, tr.calls)
			}
			if logs, _ := mem.Logs().FindByTask(context.Background(), tk.ID); len(logs) != 0 {
				t.Errorf("logs = %d, want 0", len(logs))
			}
		})
	}
}

func TestExecute_TruncatesResponseBodies(t *testing.T) {
	long := strings.Repeat("é", truncate.DefaultMaxLength+50)
	ex, mem := newTestExecutor(t, &stubTransport{resp: &Response{StatusCode: 200, Body: long}})
	tk := savedTask(t, mem, task.MethodGet, "https://api.example.com", task.Options{})

	log, err := ex.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := truncate.DefaultMaxLength + len([]rune(truncate.Marker))
	if got := len([]rune(*log.ResponseBody)); got != want {
		t.Errorf("log body runes = %d, want %d", got, want)
	}
	if got := len([]rune(*tk.LastResponseBody)); got != want {
		t.Errorf("task body runes = %d, want %d", got, want)
	}
}

func TestExecute_TimeoutFromTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	ex, mem := newTestExecutor(t, NewHTTPTransport(true, 0))
	tk := savedTask(t, mem, task.MethodGet, srv.URL, task.Options{TimeoutSeconds: task.IntPtr(1)})
	log, err := ex.Execute(context.Background(), tk)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if log.Result != task.ResultTimeout {
		t.Errorf("Result = %v, want timeout", log.Result)
	}
}

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		name        string
		body        *string
		contentType string
		headers     task.Headers
		wantBody    string
		wantCT      string
		wantErr     bool
	}{
		{
			name:        "json re-encoded",
			body:        task.StringPtr("{ \"a\" : 1 }"),
			contentType: "application/json",
			wantBody:    `{"a":1}`,
			wantCT:      "application/json",
		},
		{
			name:        "vendor json",
			body:        task.StringPtr(`[1, 2]`),
			contentType: "application/vnd.api+json",
			wantBody:    `[1,2]`,
			wantCT:      "application/vnd.api+json",
		},
		{
			name:        "invalid json",
			body:        task.StringPtr(`{nope`),
			contentType: "application/json",
			wantErr:     true,
		},
		{
			name:        "form fields",
			body:        task.StringPtr("b=2&a=1"),
			contentType: formContentType,
			wantBody:    "a=1&b=2",
			wantCT:      formContentType,
		},
		{
			name:        "raw with content type",
			body:        task.StringPtr("<x/>"),
			contentType: "application/xml",
			headers:     task.Headers{"Content-Type": {"text/plain"}},
			wantBody:    "<x/>",
			wantCT:      "application/xml",
		},
		{
			name:     "raw without content type keeps header",
			body:     task.StringPtr("plain"),
			headers:  task.Headers{"Content-Type": {"text/plain"}},
			wantBody: "plain",
			wantCT:   "text/plain",
		},
		{
			name: "no body",
		},
		{
			name:        "content type without body",
			contentType: "application/json",
			wantCT:      "application/json",
		},
		{
			name:        "content type without body overrides header",
			contentType: "application/xml",
			headers:     task.Headers{"Content-Type": {"text/plain"}},
			wantCT:      "application/xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &task.Task{
				Method:      task.MethodPost,
				URL:         "https://api.example.com/x",
				Body:        tt.body,
				ContentType: tt.contentType,
				Headers:     tt.headers,
			}
			req, err := BuildRequest(context.Background(), tk)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var got string
			if req.Body != nil {
				b, _ := io.ReadAll(req.Body)
				got = string(b)
			}
			if got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if ct := req.Header.Get("Content-Type"); ct != tt.wantCT {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantCT)
			}
		})
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"timeout", &TransportError{Err: errors.New("x"), Timeout: true}, 0, "timeout"},
		{"refused", &TransportError{Err: errors.New("dial tcp: connection refused")}, 0, "connection_refused"},
		{"dns", &TransportError{Err: errors.New("lookup x: no such host")}, 0, "dns_error"},
		{"network", &TransportError{Err: errors.New("connection reset by peer")}, 0, "network"},
		{"status error 503", &StatusError{Response: &Response{StatusCode: 503}}, 0, "http_5xx"},
		{"status error 429", &StatusError{Response: &Response{StatusCode: 429}}, 0, "http_429"},
		{"plain 404", nil, 404, "http_4xx"},
		{"generic", errors.New("boom"), 0, "other"},
		{"3xx", nil, 302, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureReason(tt.err, tt.status); got != tt.want {
				t.Errorf("FailureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPTransport_LimitsBody(t *testing.T) {
	srv := statusServer(t, 200, strings.Repeat("x", 100))
	tr := NewHTTPTransport(true, 10)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := tr.Send(req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(resp.Body) != 10 {
		t.Errorf("body length = %d, want 10", len(resp.Body))
	}
}
