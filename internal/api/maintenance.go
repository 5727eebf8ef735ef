package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/austindbirch/courier/internal/service"
)

const day = 24 * time.Hour

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC3339 time")
			return
		}
		since = &t
	}
	st, err := s.svc.Statistics(r.Context(), parseBool(r, "detailed"), since)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type cleanupRequest struct {
	OlderThanDays int  `json:"older_than_days"`
	DryRun        bool `json:"dry_run"`
	TasksOnly     bool `json:"tasks_only"`
	LogsOnly      bool `json:"logs_only"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.OlderThanDays < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "older_than_days must not be negative")
		return
	}
	rep, err := s.svc.Cleanup(r.Context(), service.CleanupOptions{
		OlderThan: time.Duration(req.OlderThanDays) * day,
		DryRun:    req.DryRun,
		TasksOnly: req.TasksOnly,
		LogsOnly:  req.LogsOnly,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

type recoverStaleRequest struct {
	Grace string `json:"grace"` // Go duration, defaults to one minute
	Limit int    `json:"limit"`
}

func (s *Server) handleRecoverStale(w http.ResponseWriter, r *http.Request) {
	req := recoverStaleRequest{Grace: "1m", Limit: defaultListLimit}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	grace, err := time.ParseDuration(req.Grace)
	if err != nil || grace < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "grace must be a non-negative duration")
		return
	}
	rep, err := s.svc.RecoverStale(r.Context(), grace, min(max(req.Limit, 1), maxListLimit))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
