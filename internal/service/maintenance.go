package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/task"
)

// DefaultRetention is how old terminal tasks and logs must be before cleanup removes them
const DefaultRetention = 90 * 24 * time.Hour

const (
	previewRows   = 10
	previewLimit  = 1000
	abandonedNote = "attempt abandoned"
)

// Statistics are task counts per status and, when detailed, attempt log aggregates
type Statistics struct {
	Counts map[task.Status]int64 `json:"counts"`
	Total  int64                 `json:"total"`

	Since             *time.Time            `json:"since,omitempty"`
	AvgResponseTimeMs *float64              `json:"avg_response_time_ms,omitempty"`
	Results           map[task.Result]int64 `json:"results,omitempty"`
	ResponseCodes     map[int]int64         `json:"response_codes,omitempty"`
}

func (s *Service) Statistics(ctx context.Context, detailed bool, since *time.Time) (*Statistics, error) {
	st := &Statistics{Counts: make(map[task.Status]int64, len(task.Statuses))}
	for _, status := range task.Statuses {
		n, err := s.tasks.CountByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("count %s tasks: %w", status, err)
		}
		st.Counts[status] = n
		st.Total += n
	}
	if !detailed {
		return st, nil
	}

	st.Since = since
	var err error
	if st.AvgResponseTimeMs, err = s.logs.AverageResponseTime(ctx, since); err != nil {
		return nil, fmt.Errorf("average response time: %w", err)
	}
	if st.Results, err = s.logs.ResultDistribution(ctx, since); err != nil {
		return nil, fmt.Errorf("result distribution: %w", err)
	}
	if st.ResponseCodes, err = s.logs.ResponseCodeDistribution(ctx, since); err != nil {
		return nil, fmt.Errorf("response code distribution: %w", err)
	}
	return st, nil
}

// ErrCleanupScope rejects a cleanup restricted to both tasks only and logs only
var ErrCleanupScope = errors.New("cannot restrict cleanup to both tasks only and logs only")

type CleanupOptions struct {
	OlderThan time.Duration // zero means DefaultRetention
	DryRun    bool
	TasksOnly bool
	LogsOnly  bool
}

// CleanupReport counts what was (or in a dry run would be) deleted. Previews are only filled
// in dry runs and hold at most ten rows.
type CleanupReport struct {
	Before      time.Time    `json:"before"`
	DryRun      bool         `json:"dry_run"`
	Tasks       int64        `json:"tasks"`
	Logs        int64        `json:"logs"`
	TaskPreview []*task.Task `json:"task_preview,omitempty"`
	LogPreview  []*task.Log  `json:"log_preview,omitempty"`
}

// Cleanup deletes terminal tasks (with their logs) and logs created before now-OlderThan
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupReport, error) {
	if opts.TasksOnly && opts.LogsOnly {
		return nil, ErrCleanupScope
	}
	age := opts.OlderThan
	if age <= 0 {
		age = DefaultRetention
	}
	rep := &CleanupReport{Before: s.now().Add(-age), DryRun: opts.DryRun}

	if !opts.LogsOnly {
		if opts.DryRun {
			tasks, err := s.tasks.FindExpiredTasks(ctx, rep.Before, previewLimit)
			if err != nil {
				return nil, fmt.Errorf("find expired tasks: %w", err)
			}
			rep.Tasks = int64(len(tasks))
			rep.TaskPreview = tasks[:min(len(tasks), previewRows)]
		} else {
			n, err := s.tasks.DeleteOldTasks(ctx, rep.Before)
			if err != nil {
				return nil, fmt.Errorf("delete old tasks: %w", err)
			}
			rep.Tasks = n
		}
	}

	if !opts.TasksOnly {
		if opts.DryRun {
			logs, err := s.logs.FindExpiredLogs(ctx, rep.Before, previewLimit)
			if err != nil {
				return nil, fmt.Errorf("find expired logs: %w", err)
			}
			rep.Logs = int64(len(logs))
			rep.LogPreview = logs[:min(len(logs), previewRows)]
		} else {
			n, err := s.logs.DeleteOldLogs(ctx, rep.Before)
			if err != nil {
				return nil, fmt.Errorf("delete old logs: %w", err)
			}
			rep.Logs = n
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"before":  rep.Before.Format(time.RFC3339),
		"dry_run": rep.DryRun,
		"tasks":   rep.Tasks,
		"logs":    rep.Logs,
	}).Info("cleanup finished")
	return rep, nil
}

// RetryCandidate is one failed task considered by RetryFailed
type RetryCandidate struct {
	Task     *task.Task `json:"task"`
	CanRetry bool       `json:"can_retry"`
	Result   string     `json:"result"` // retried, skipped, error, or would_retry in a dry run
	Error    string     `json:"error,omitempty"`
}

type RetryReport struct {
	Found      int              `json:"found"`
	Retried    int              `json:"retried"`
	Skipped    int              `json:"skipped"`
	Errors     int              `json:"errors"`
	DryRun     bool             `json:"dry_run"`
	Candidates []RetryCandidate `json:"candidates"`
}

// RetryFailed retries up to limit failed tasks, newest first. Exhausted tasks are skipped
// unless force is set. A dry run only reports what would happen.
func (s *Service) RetryFailed(ctx context.Context, limit int, force, dryRun bool) (*RetryReport, error) {
	failed, err := s.tasks.FindFailedTasks(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("find failed tasks: %w", err)
	}

	rep := &RetryReport{Found: len(failed), DryRun: dryRun, Candidates: make([]RetryCandidate, 0, len(failed))}
	for _, t := range failed {
		c := RetryCandidate{Task: t, CanRetry: force || s.policy.CanRetry(t)}
		switch {
		case !c.CanRetry:
			c.Result = "skipped"
			rep.Skipped++
		case dryRun:
			c.Result = "would_retry"
		default:
			var rerr error
			if force {
				rerr = s.ForceRetry(ctx, t)
			} else {
				rerr = s.Retry(ctx, t)
			}
			if rerr != nil {
				c.Result, c.Error = "error", rerr.Error()
				rep.Errors++
			} else {
				c.Result = "retried"
				rep.Retried++
			}
		}
		rep.Candidates = append(rep.Candidates, c)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"found":   rep.Found,
		"retried": rep.Retried,
		"skipped": rep.Skipped,
		"errors":  rep.Errors,
		"dry_run": dryRun,
	}).Info("retry of failed tasks finished")
	return rep, nil
}

type RecoveryReport struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// RecoverStale finds tasks stuck in processing longer than their timeout plus grace, which means
// the worker running the attempt died. The consumed attempt still counts: the task is re-queued
// when budget remains and failed otherwise.
func (s *Service) RecoverStale(ctx context.Context, grace time.Duration, limit int) (*RecoveryReport, error) {
	now := s.now()
	stale, err := s.tasks.FindStaleProcessing(ctx, now, grace, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}

	rep := &RecoveryReport{}
	for _, t := range stale {
		entry := s.logger.WithContext(ctx).WithTask(t.ID).WithField("attempts", t.Attempts)

		if s.policy.CanRetry(t) {
			t.Status = task.StatusPending
			t.SetError(abandonedNote)
			if err := s.tasks.Save(ctx, t); err != nil {
				return rep, fmt.Errorf("save task %d: %w", t.ID, err)
			}
			if err := s.queue.Enqueue(ctx, t.ID, s.policy.NextRetryDelay(t)); err != nil {
				return rep, fmt.Errorf("dispatch task %d: %w", t.ID, err)
			}
			metrics.RecordStaleRecovered(string(task.StatusPending))
			entry.Warn("stale attempt recovered, task requeued")
			rep.Requeued++
			continue
		}

		t.MarkFailed(now, abandonedNote)
		if err := s.tasks.Save(ctx, t); err != nil {
			return rep, fmt.Errorf("save task %d: %w", t.ID, err)
		}
		metrics.RecordStaleRecovered(string(task.StatusFailed))
		metrics.RecordFinished(string(task.StatusFailed))
		entry.Warn("stale attempt recovered, task failed")
		rep.Failed++
	}
	return rep, nil
}
