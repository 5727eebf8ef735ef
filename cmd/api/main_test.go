package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/courier/internal/auth"
	"github.com/austindbirch/courier/internal/bootstrap"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/store"
	"github.com/austindbirch/courier/internal/task"
)

func testLogger() *logging.Logger {
	core, _ := observer.New(zapcore.DebugLevel)
	return logging.NewWithCore("test", core)
}

func TestBuildAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	issuer := &auth.Issuer{Key: key, KeyID: "k1", Issuer: "courier", Audience: "courier-api"}

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "public.pem")
	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(issuer.JWKS())
	}))
	defer jwks.Close()

	tests := []struct {
		name      string
		cfg       config.Auth
		wantNil   bool
		wantError bool
	}{
		{name: "disabled", cfg: config.Auth{Enabled: false, PublicKeyPath: keyPath}, wantNil: true},
		{name: "public key file", cfg: config.Auth{Enabled: true, PublicKeyPath: keyPath, Issuer: "courier", Audience: "courier-api"}},
		{name: "jwks url", cfg: config.Auth{Enabled: true, JWKSURL: jwks.URL, Issuer: "courier", Audience: "courier-api"}},
		{name: "missing key file", cfg: config.Auth{Enabled: true, PublicKeyPath: filepath.Join(dir, "nope.pem")}, wantError: true},
		{name: "no key source", cfg: config.Auth{Enabled: true}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildAuth(context.Background(), tt.cfg)
			if tt.wantError {
				if err == nil {
					t.Fatal("buildAuth() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildAuth() error = %v", err)
			}
			if tt.wantNil {
				if a != nil {
					t.Errorf("buildAuth() = %T, want nil", a)
				}
				return
			}

			// the authenticator must accept a token from the matching issuer
			token, _, err := issuer.Issue("ops", time.Minute)
			if err != nil {
				t.Fatalf("Issue() error = %v", err)
			}
			h := a.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusNoContent {
				t.Errorf("authorized request status = %d", w.Code)
			}
		})
	}
}

func TestHealthChecks(t *testing.T) {
	var cfg config.Config
	cfg.Queue.Backend = bootstrap.BackendMemory
	q, err := bootstrap.OpenQueue(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}

	checks := healthChecks(store.NewMemory(), q)
	if len(checks) != 1 || checks["store"] == nil {
		t.Errorf("checks = %v, want only the store", checks)
	}
}

func TestStandaloneWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.FromEnv()
	cfg.Queue.Backend = bootstrap.BackendMemory
	cfg.RateLimit.Backend = "local"
	logger := testLogger()

	st := store.NewMemory()
	q, err := bootstrap.OpenQueue(cfg, nil, logger)
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}
	svc := service.New(st.Tasks(), st.Logs(), q.Queue, service.WithLogger(logger), service.WithDefaults(cfg.TaskDefaults()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- standaloneWorker(cfg, st, q, svc, logger).Run(ctx) }()

	tk, err := svc.Create(ctx, service.CreateRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := svc.Get(context.Background(), tk.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task status = %s, want completed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
