package store

import (
	"context"
	"time"

	"github.com/austindbirch/courier/internal/task"
)

// ErrNotFound is returned when no row matches; it is task.ErrNotFound so callers need only one sentinel
var ErrNotFound = task.ErrNotFound

// TaskRepository persists tasks. Save inserts when ID is zero, otherwise updates,
// and always stamps UpdatedAt.
type TaskRepository interface {
	Save(ctx context.Context, t *task.Task) error
	Remove(ctx context.Context, id int64) error
	Find(ctx context.Context, id int64) (*task.Task, error)
	FindByUUID(ctx context.Context, uuid string) (*task.Task, error)

	// FindPendingTasks returns pending tasks that are due, highest priority first, then oldest
	FindPendingTasks(ctx context.Context, limit int) ([]*task.Task, error)
	// FindFailedTasks returns failed tasks, newest first
	FindFailedTasks(ctx context.Context, limit int) ([]*task.Task, error)
	// FindTasksByStatus returns tasks in status, newest first
	FindTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error)
	// FindRetriable returns failed tasks with budget left, highest priority first
	FindRetriable(ctx context.Context, limit int) ([]*task.Task, error)
	// FindStaleProcessing returns processing tasks whose last attempt started longer ago than
	// the task's own timeout plus grace, most overdue first
	FindStaleProcessing(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*task.Task, error)
	CountByStatus(ctx context.Context, status task.Status) (int64, error)

	// FindExpiredTasks returns terminal tasks created before the cutoff, oldest first
	FindExpiredTasks(ctx context.Context, before time.Time, limit int) ([]*task.Task, error)
	// DeleteOldTasks removes terminal tasks created before the cutoff together with their logs
	DeleteOldTasks(ctx context.Context, before time.Time) (int64, error)
}

// LogRepository persists attempt logs. Logs are insert-only.
type LogRepository interface {
	Save(ctx context.Context, l *task.Log) error
	// FindByTask returns the task's logs ordered by attempt number
	FindByTask(ctx context.Context, taskID int64) ([]*task.Log, error)
	// LatestForTask returns the log with the highest attempt number
	LatestForTask(ctx context.Context, taskID int64) (*task.Log, error)

	// AverageResponseTime is the mean response time in ms of successful attempts; nil when none
	AverageResponseTime(ctx context.Context, since *time.Time) (*float64, error)
	ResultDistribution(ctx context.Context, since *time.Time) (map[task.Result]int64, error)
	ResponseCodeDistribution(ctx context.Context, since *time.Time) (map[int]int64, error)

	// FindExpiredLogs returns logs created before the cutoff, oldest first
	FindExpiredLogs(ctx context.Context, before time.Time, limit int) ([]*task.Log, error)
	DeleteOldLogs(ctx context.Context, before time.Time) (int64, error)
}

// Store bundles both repositories over one backend
type Store interface {
	Tasks() TaskRepository
	Logs() LogRepository
	Ping(ctx context.Context) error
	Close()
}

const defaultLimit = 100

func normLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}

var terminalStatuses = []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}

func terminalStrings() []string {
	out := make([]string, len(terminalStatuses))
	for i, s := range terminalStatuses {
		out[i] = string(s)
	}
	return out
}
