package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/courier/internal/auth"
	"github.com/austindbirch/courier/internal/config"
	"github.com/austindbirch/courier/internal/logging"
)

// tokenServer hands out operator tokens and publishes the key set that verifies them
type tokenServer struct {
	issuer     *auth.Issuer
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *logging.Logger
}

type tokenRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *tokenServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Post("/token", s.handleToken)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *tokenServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.issuer.JWKS())
}

func (s *tokenServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	if req.TTLSeconds < 0 {
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	}

	ttl := s.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	token, exp, err := s.issuer.Issue(req.Subject, ttl)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("token signing failed")
		http.Error(w, "failed to sign token", http.StatusInternalServerError)
		return
	}
	s.logger.WithContext(r.Context()).WithFields(map[string]any{
		"subject": req.Subject,
		"ttl":     ttl.String(),
	}).Info("token issued")

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(ttl.Seconds()),
		ExpiresAt: exp,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("courier-token-issuer")

	key, generated, err := auth.LoadOrGenerateKey(cfg.TokenIssuer.PrivateKeyPEM)
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key failed")
	}
	if generated {
		logger.Plain().Warn("generated an ephemeral RSA key; tokens stop verifying after restart")
	}

	s := &tokenServer{
		issuer: &auth.Issuer{
			Key:      key,
			KeyID:    cfg.TokenIssuer.KeyID,
			Issuer:   cfg.TokenIssuer.Issuer,
			Audience: cfg.TokenIssuer.Audience,
		},
		defaultTTL: cfg.TokenIssuer.TTL,
		maxTTL:     cfg.TokenIssuer.MaxTTL,
		logger:     logger,
	}

	srv := &http.Server{Addr: cfg.TokenIssuer.Port, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr": srv.Addr,
			"kid":  cfg.TokenIssuer.KeyID,
		}).Info("token issuer listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("token issuer failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("token issuer stopped")
}
