package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

const maxBatchSize = 500

type batchResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
	Error string       `json:"error,omitempty"`
}

type createBatchRequest struct {
	Requests []service.CreateRequest `json:"requests"`
}

type urlsBatchRequest struct {
	URLs   []string              `json:"urls"`
	Common service.CreateRequest `json:"common"`
}

type apiCallsBatchRequest struct {
	Calls  []service.APICall     `json:"calls"`
	Common service.CreateRequest `json:"common"`
}

type resourcesBatchRequest struct {
	BaseURL   string                `json:"base_url"`
	Resources []service.Resource    `json:"resources"`
	Common    service.CreateRequest `json:"common"`
}

type webhooksBatchRequest struct {
	URL    string                `json:"url"`
	Events []map[string]any      `json:"events"`
	Common service.CreateRequest `json:"common"`
}

type scheduledBatchRequest struct {
	Start    time.Time             `json:"start"`
	Count    int                   `json:"count"`
	Interval string                `json:"interval"` // Go duration, e.g. "30s"
	Template service.CreateRequest `json:"template"`
}

func checkSize(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: batch is empty", task.ErrInvalid)
	}
	if n > maxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds %d", task.ErrInvalid, n, maxBatchSize)
	}
	return nil
}

// respondBatch writes created tasks. A failure part way still reports what was created.
func (s *Server) respondBatch(w http.ResponseWriter, r *http.Request, tasks []*task.Task, err error) {
	if err != nil && len(tasks) == 0 {
		s.respondServiceError(w, r, err)
		return
	}
	resp := batchResponse{Tasks: tasks, Count: len(tasks)}
	status := http.StatusCreated
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).WithField("created", len(tasks)).Error("batch partially created")
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkSize(len(req.Requests)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateBatch(r.Context(), req.Requests)
	s.respondBatch(w, r, tasks, err)
}

func (s *Server) handleBatchURLs(w http.ResponseWriter, r *http.Request) {
	var req urlsBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkSize(len(req.URLs)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateFromURLs(r.Context(), req.URLs, req.Common)
	s.respondBatch(w, r, tasks, err)
}

func (s *Server) handleBatchAPICalls(w http.ResponseWriter, r *http.Request) {
	var req apiCallsBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkSize(len(req.Calls)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateAPICalls(r.Context(), req.Calls, req.Common)
	s.respondBatch(w, r, tasks, err)
}

func (s *Server) handleBatchResources(w http.ResponseWriter, r *http.Request) {
	var req resourcesBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkSize(len(req.Resources)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateResourceFetches(r.Context(), req.BaseURL, req.Resources, req.Common)
	s.respondBatch(w, r, tasks, err)
}

func (s *Server) handleBatchWebhooks(w http.ResponseWriter, r *http.Request) {
	var req webhooksBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkSize(len(req.Events)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateWebhookEvents(r.Context(), req.URL, req.Events, req.Common)
	s.respondBatch(w, r, tasks, err)
}

func (s *Server) handleBatchScheduled(w http.ResponseWriter, r *http.Request) {
	var req scheduledBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil || interval < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "interval must be a non-negative duration such as 30s")
		return
	}
	if err := checkSize(req.Count); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	tasks, err := s.svc.CreateScheduledBatch(r.Context(), req.Start, req.Count, interval, req.Template)
	s.respondBatch(w, r, tasks, err)
}
