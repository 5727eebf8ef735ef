package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

// listFilterRetriable lists failed tasks that still have attempts left
const listFilterRetriable = "retriable"

type listTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

type logsResponse struct {
	TaskID int64       `json:"task_id"`
	Logs   []*task.Log `json:"logs"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	t, err := s.svc.Create(r.Context(), req)
	if err != nil {
		if t != nil {
			// persisted but not handed to the queue
			s.logger.WithContext(r.Context()).WithTask(t.ID).WithError(err).Error("task created but dispatch failed")
			respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "dispatch_failed", Task: t})
			return
		}
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

// lookup resolves {id} as a numeric ID or, failing that, a UUID
func (s *Server) lookup(r *http.Request) (*task.Task, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return s.svc.Get(r.Context(), id)
	}
	return s.svc.GetByUUID(r.Context(), raw)
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: task id must be a positive integer", task.ErrInvalid)
	}
	return id, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookup(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var tasks []*task.Task
	switch filter := strings.TrimSpace(r.URL.Query().Get("status")); filter {
	case "":
		tasks, err = s.svc.FindPending(r.Context(), limit)
	case listFilterRetriable:
		tasks, err = s.svc.FindRetriable(r.Context(), limit)
	default:
		status := task.Status(filter)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", filter))
			return
		}
		tasks, err = s.svc.FindByStatus(r.Context(), status, limit)
	}
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookup(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	logs, err := s.svc.Logs(r.Context(), t.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*task.Log{}
	}
	respondJSON(w, http.StatusOK, logsResponse{TaskID: t.ID, Logs: logs})
}

func (s *Server) handleLatestLog(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookup(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	l, err := s.svc.LatestLog(r.Context(), t.ID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, l)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	t, err := s.svc.RetryFailedTask(r.Context(), id, parseBool(r, "force"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithTask(t.ID).Info("task retry requested")
	respondJSON(w, http.StatusAccepted, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	t, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type retryFailedRequest struct {
	Limit  int  `json:"limit"`
	Force  bool `json:"force"`
	DryRun bool `json:"dry_run"`
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	req := retryFailedRequest{Limit: defaultListLimit}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Limit <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be positive")
		return
	}
	rep, err := s.svc.RetryFailed(r.Context(), min(req.Limit, maxListLimit), req.Force, req.DryRun)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}
