package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/task"
)

// Memory keeps tasks and logs in process. Values are cloned on the way in and out.
type Memory struct {
	mu       sync.RWMutex
	tasks    map[int64]*task.Task
	logs     map[int64]*task.Log
	nextTask int64
	nextLog  int64
	now      func() time.Time
}

// NewMemory returns an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[int64]*task.Task),
		logs:  make(map[int64]*task.Log),
		now:   time.Now,
	}
}

// SetClock overrides the time source used for UpdatedAt and due checks
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Tasks() TaskRepository      { return memoryTasks{m} }
func (m *Memory) Logs() LogRepository        { return memoryLogs{m} }
func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close()                     {}

type memoryTasks struct{ m *Memory }

func (r memoryTasks) Save(_ context.Context, t *task.Task) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if t.ID == 0 {
		m.nextTask++
		t.ID = m.nextTask
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
	} else if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (r memoryTasks) Remove(_ context.Context, id int64) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	m.deleteTaskLocked(id)
	return nil
}

func (m *Memory) deleteTaskLocked(id int64) {
	delete(m.tasks, id)
	for lid, l := range m.logs {
		if l.TaskID == id {
			delete(m.logs, lid)
		}
	}
}

func (r memoryTasks) Find(_ context.Context, id int64) (*task.Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	t, ok := r.m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r memoryTasks) FindByUUID(_ context.Context, uuid string) (*task.Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	for _, t := range r.m.tasks {
		if t.UUID == uuid {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// selectTasks filters, sorts and limits under the read lock
func (m *Memory) selectTasks(keep func(*task.Task) bool, less func(a, b *task.Task) bool, limit int) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out
}

func newestFirst(a, b *task.Task) bool { return a.CreatedAt.After(b.CreatedAt) }

func byPriorityThenOldest(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (r memoryTasks) FindPendingTasks(_ context.Context, limit int) ([]*task.Task, error) {
	now := r.m.clock()
	return r.m.selectTasks(func(t *task.Task) bool {
		return t.Status == task.StatusPending && (t.ScheduledAt == nil || !t.ScheduledAt.After(now))
	}, byPriorityThenOldest, normLimit(limit)), nil
}

func (r memoryTasks) FindFailedTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.FindTasksByStatus(ctx, task.StatusFailed, limit)
}

func (r memoryTasks) FindTasksByStatus(_ context.Context, status task.Status, limit int) ([]*task.Task, error) {
	return r.m.selectTasks(func(t *task.Task) bool { return t.Status == status }, newestFirst, normLimit(limit)), nil
}

func (r memoryTasks) FindRetriable(_ context.Context, limit int) ([]*task.Task, error) {
	return r.m.selectTasks(func(t *task.Task) bool {
		return t.Status == task.StatusFailed && t.Attempts < t.MaxAttempts
	}, func(a, b *task.Task) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return timeOrZero(a.LastAttemptAt).Before(timeOrZero(b.LastAttemptAt))
	}, normLimit(limit)), nil
}

func (r memoryTasks) FindStaleProcessing(_ context.Context, now time.Time, grace time.Duration, limit int) ([]*task.Task, error) {
	deadline := func(t *task.Task) time.Time { return t.LastAttemptAt.Add(t.Timeout()) }
	return r.m.selectTasks(func(t *task.Task) bool {
		return t.Status == task.StatusProcessing && t.LastAttemptAt != nil && deadline(t).Add(grace).Before(now)
	}, func(a, b *task.Task) bool {
		return deadline(a).Before(deadline(b))
	}, normLimit(limit)), nil
}

func (r memoryTasks) CountByStatus(_ context.Context, status task.Status) (int64, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()

	var n int64
	for _, t := range r.m.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (r memoryTasks) FindExpiredTasks(_ context.Context, before time.Time, limit int) ([]*task.Task, error) {
	return r.m.selectTasks(func(t *task.Task) bool {
		return t.Terminal() && t.CreatedAt.Before(before)
	}, func(a, b *task.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }, normLimit(limit)), nil
}

func (r memoryTasks) DeleteOldTasks(_ context.Context, before time.Time) (int64, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, t := range m.tasks {
		if t.Terminal() && t.CreatedAt.Before(before) {
			m.deleteTaskLocked(id)
			n++
		}
	}
	return n, nil
}

type memoryLogs struct{ m *Memory }

func (r memoryLogs) Save(_ context.Context, l *task.Log) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[l.TaskID]; !ok {
		return ErrNotFound
	}
	m.nextLog++
	l.ID = m.nextLog
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	m.logs[l.ID] = l.Clone()
	return nil
}

func (m *Memory) selectLogs(keep func(*task.Log) bool, less func(a, b *task.Log) bool, limit int) []*task.Log {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*task.Log
	for _, l := range m.logs {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, l := range out {
		out[i] = l.Clone()
	}
	return out
}

func (r memoryLogs) FindByTask(_ context.Context, taskID int64) ([]*task.Log, error) {
	return r.m.selectLogs(func(l *task.Log) bool { return l.TaskID == taskID },
		func(a, b *task.Log) bool { return a.AttemptNumber < b.AttemptNumber }, 0), nil
}

func (r memoryLogs) LatestForTask(_ context.Context, taskID int64) (*task.Log, error) {
	logs := r.m.selectLogs(func(l *task.Log) bool { return l.TaskID == taskID },
		func(a, b *task.Log) bool {
			if a.AttemptNumber != b.AttemptNumber {
				return a.AttemptNumber > b.AttemptNumber
			}
			return a.ID > b.ID
		}, 1)
	if len(logs) == 0 {
		return nil, ErrNotFound
	}
	return logs[0], nil
}

func (r memoryLogs) forEachSince(since *time.Time, fn func(*task.Log)) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, l := range r.m.logs {
		if since != nil && l.CreatedAt.Before(*since) {
			continue
		}
		fn(l)
	}
}

func (r memoryLogs) AverageResponseTime(_ context.Context, since *time.Time) (*float64, error) {
	var sum, n int64
	r.forEachSince(since, func(l *task.Log) {
		if l.Result == task.ResultSuccess {
			sum += l.ResponseTimeMs
			n++
		}
	})
	if n == 0 {
		return nil, nil
	}
	avg := float64(sum) / float64(n)
	return &avg, nil
}

func (r memoryLogs) ResultDistribution(_ context.Context, since *time.Time) (map[task.Result]int64, error) {
	out := make(map[task.Result]int64)
	r.forEachSince(since, func(l *task.Log) { out[l.Result]++ })
	return out, nil
}

func (r memoryLogs) ResponseCodeDistribution(_ context.Context, since *time.Time) (map[int]int64, error) {
	out := make(map[int]int64)
	r.forEachSince(since, func(l *task.Log) {
		if l.ResponseCode != nil {
			out[*l.ResponseCode]++
		}
	})
	return out, nil
}

func (r memoryLogs) FindExpiredLogs(_ context.Context, before time.Time, limit int) ([]*task.Log, error) {
	return r.m.selectLogs(func(l *task.Log) bool { return l.CreatedAt.Before(before) },
		func(a, b *task.Log) bool { return a.CreatedAt.Before(b.CreatedAt) }, normLimit(limit)), nil
}

func (r memoryLogs) DeleteOldLogs(_ context.Context, before time.Time) (int64, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, l := range m.logs {
		if l.CreatedAt.Before(before) {
			delete(m.logs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) clock() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
