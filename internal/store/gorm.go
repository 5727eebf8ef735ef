package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/austindbirch/courier/internal/task"
)

// TaskRow is the GORM model for a task
type TaskRow struct {
	ID                 int64   `gorm:"primaryKey"`
	UUID               string  `gorm:"size:36;uniqueIndex"`
	Status             string  `gorm:"size:16;index:idx_status_priority,priority:1"`
	Method             string  `gorm:"size:8"`
	URL                string  `gorm:"type:text"`
	Headers            *string `gorm:"type:text"`
	Body               *string `gorm:"type:longtext"`
	ContentType        string  `gorm:"size:128"`
	Priority           int     `gorm:"default:2;index:idx_status_priority,priority:2"`
	MaxAttempts        int
	Attempts           int `gorm:"default:0"`
	TimeoutSeconds     int
	RetryDelayMs       int
	RetryMultiplier    float64
	LastResponseCode   *int
	LastResponseBody   *string    `gorm:"type:longtext"`
	LastErrorMessage   *string    `gorm:"type:text"`
	ScheduledAt        *time.Time `gorm:"precision:6;index"`
	StartedAt          *time.Time `gorm:"precision:6"`
	CompletedAt        *time.Time `gorm:"precision:6"`
	LastAttemptAt      *time.Time `gorm:"precision:6"`
	Metadata           *string    `gorm:"type:text"`
	RateLimitKey       string     `gorm:"size:255"`
	RateLimitPerSecond *int
	CreatedAt          time.Time `gorm:"precision:6;index"`
	UpdatedAt          time.Time `gorm:"precision:6"`
}

func (TaskRow) TableName() string { return "http_tasks" }

// LogRow is the GORM model for an attempt log
type LogRow struct {
	ID              int64     `gorm:"primaryKey"`
	TaskID          int64     `gorm:"index:idx_task_attempt,priority:1"`
	AttemptNumber   int       `gorm:"index:idx_task_attempt,priority:2"`
	ExecutedAt      time.Time `gorm:"precision:6"`
	RequestHeaders  *string   `gorm:"type:text"`
	RequestBody     *string   `gorm:"type:longtext"`
	ResponseCode    *int
	ResponseHeaders *string `gorm:"type:text"`
	ResponseBody    *string `gorm:"type:longtext"`
	ResponseTimeMs  int64
	Result          string    `gorm:"size:16;index"`
	ErrorMessage    *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"precision:6;index"`

	Task TaskRow `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

func (LogRow) TableName() string { return "http_task_logs" }

// Gorm stores tasks and logs through GORM, normally on MySQL
type Gorm struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGorm wraps an open GORM handle, running AutoMigrate when migrate is set
func NewGorm(db *gorm.DB, migrate bool) (*Gorm, error) {
	if migrate {
		if err := db.AutoMigrate(&TaskRow{}, &LogRow{}); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return &Gorm{db: db, now: time.Now}, nil
}

func (s *Gorm) Tasks() TaskRepository { return gormTasks{s} }
func (s *Gorm) Logs() LogRepository   { return gormLogs{s} }

func (s *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Gorm) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func encodeJSON(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeJSON(s *string, v any) error {
	if s == nil || *s == "" {
		return nil
	}
	return json.Unmarshal([]byte(*s), v)
}

func toTaskRow(t *task.Task) (*TaskRow, error) {
	headers, err := encodeJSON(t.Headers, t.Headers == nil)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	metadata, err := encodeJSON(t.Metadata, t.Metadata == nil)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return &TaskRow{
		ID:                 t.ID,
		UUID:               t.UUID,
		Status:             string(t.Status),
		Method:             t.Method,
		URL:                t.URL,
		Headers:            headers,
		Body:               t.Body,
		ContentType:        t.ContentType,
		Priority:           int(t.Priority),
		MaxAttempts:        t.MaxAttempts,
		Attempts:           t.Attempts,
		TimeoutSeconds:     t.TimeoutSeconds,
		RetryDelayMs:       t.RetryDelayMs,
		RetryMultiplier:    t.RetryMultiplier,
		LastResponseCode:   t.LastResponseCode,
		LastResponseBody:   t.LastResponseBody,
		LastErrorMessage:   t.LastErrorMessage,
		ScheduledAt:        t.ScheduledAt,
		StartedAt:          t.StartedAt,
		CompletedAt:        t.CompletedAt,
		LastAttemptAt:      t.LastAttemptAt,
		Metadata:           metadata,
		RateLimitKey:       t.RateLimitKey,
		RateLimitPerSecond: t.RateLimitPerSecond,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}, nil
}

func (r *TaskRow) toTask() (*task.Task, error) {
	t := &task.Task{
		ID:                 r.ID,
		UUID:               r.UUID,
		Status:             task.Status(r.Status),
		Method:             r.Method,
		URL:                r.URL,
		Body:               r.Body,
		ContentType:        r.ContentType,
		Priority:           task.Priority(r.Priority),
		MaxAttempts:        r.MaxAttempts,
		Attempts:           r.Attempts,
		TimeoutSeconds:     r.TimeoutSeconds,
		RetryDelayMs:       r.RetryDelayMs,
		RetryMultiplier:    r.RetryMultiplier,
		LastResponseCode:   r.LastResponseCode,
		LastResponseBody:   r.LastResponseBody,
		LastErrorMessage:   r.LastErrorMessage,
		ScheduledAt:        r.ScheduledAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		LastAttemptAt:      r.LastAttemptAt,
		RateLimitKey:       r.RateLimitKey,
		RateLimitPerSecond: r.RateLimitPerSecond,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if err := decodeJSON(r.Headers, &t.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if err := decodeJSON(r.Metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return t, nil
}

func toTasks(rows []TaskRow) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

type gormTasks struct{ s *Gorm }

func (r gormTasks) Save(ctx context.Context, t *task.Task) error {
	now := r.s.now()
	row, err := toTaskRow(t)
	if err != nil {
		return err
	}
	row.UpdatedAt = now

	if t.ID == 0 {
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		if err := r.s.db.WithContext(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		t.ID = row.ID
		t.CreatedAt = row.CreatedAt
		t.UpdatedAt = now
		return nil
	}

	res := r.s.db.WithContext(ctx).Model(&TaskRow{}).Where("id = ?", t.ID).
		Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		return fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports zero for unchanged rows, so confirm the row exists
		var n int64
		if err := r.s.db.WithContext(ctx).Model(&TaskRow{}).Where("id = ?", t.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	t.UpdatedAt = now
	return nil
}

func (r gormTasks) Remove(ctx context.Context, id int64) error {
	db := r.s.db.WithContext(ctx)
	var n int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&LogRow{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&TaskRow{}, id)
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r gormTasks) first(ctx context.Context, query string, arg any) (*task.Task, error) {
	var row TaskRow
	if err := r.s.db.WithContext(ctx).Where(query, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask()
}

func (r gormTasks) Find(ctx context.Context, id int64) (*task.Task, error) {
	return r.first(ctx, "id = ?", id)
}

func (r gormTasks) FindByUUID(ctx context.Context, uuid string) (*task.Task, error) {
	return r.first(ctx, "uuid = ?", uuid)
}

func (r gormTasks) find(q *gorm.DB, limit int) ([]*task.Task, error) {
	var rows []TaskRow
	if err := q.Limit(normLimit(limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return toTasks(rows)
}

func (r gormTasks) FindPendingTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	q := r.s.db.WithContext(ctx).
		Where("status = ?", string(task.StatusPending)).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", r.s.now()).
		Order("priority DESC").Order("created_at ASC").Order("id ASC")
	return r.find(q, limit)
}

func (r gormTasks) FindFailedTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.FindTasksByStatus(ctx, task.StatusFailed, limit)
}

func (r gormTasks) FindTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	q := r.s.db.WithContext(ctx).Where("status = ?", string(status)).
		Order("created_at DESC").Order("id ASC")
	return r.find(q, limit)
}

func (r gormTasks) FindRetriable(ctx context.Context, limit int) ([]*task.Task, error) {
	// mysql sorts NULL first in ascending order
	q := r.s.db.WithContext(ctx).
		Where("status = ? AND attempts < max_attempts", string(task.StatusFailed)).
		Order("priority DESC").Order("last_attempt_at ASC").Order("id ASC")
	return r.find(q, limit)
}

func (r gormTasks) FindStaleProcessing(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*task.Task, error) {
	q := r.s.db.WithContext(ctx).
		Where("status = ? AND TIMESTAMPADD(MICROSECOND, timeout_seconds * 1000000 + ?, last_attempt_at) < ?",
			string(task.StatusProcessing), grace.Microseconds(), now).
		Order("TIMESTAMPADD(SECOND, timeout_seconds, last_attempt_at) ASC").Order("id ASC")
	return r.find(q, limit)
}

func (r gormTasks) CountByStatus(ctx context.Context, status task.Status) (int64, error) {
	var n int64
	if err := r.s.db.WithContext(ctx).Model(&TaskRow{}).Where("status = ?", string(status)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r gormTasks) FindExpiredTasks(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	q := r.s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", terminalStrings(), before).
		Order("created_at ASC").Order("id ASC")
	return r.find(q, limit)
}

func (r gormTasks) DeleteOldTasks(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&TaskRow{}).Select("id").
			Where("status IN ? AND created_at < ?", terminalStrings(), before)
		if err := tx.Where("task_id IN (?)", expired).Delete(&LogRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("status IN ? AND created_at < ?", terminalStrings(), before).Delete(&TaskRow{})
		n = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return n, nil
}

type gormLogs struct{ s *Gorm }

func toLogRow(l *task.Log) (*LogRow, error) {
	reqHeaders, err := encodeJSON(l.RequestHeaders, l.RequestHeaders == nil)
	if err != nil {
		return nil, fmt.Errorf("encode request headers: %w", err)
	}
	headers, err := encodeJSON(l.ResponseHeaders, l.ResponseHeaders == nil)
	if err != nil {
		return nil, fmt.Errorf("encode response headers: %w", err)
	}
	return &LogRow{
		ID:              l.ID,
		TaskID:          l.TaskID,
		AttemptNumber:   l.AttemptNumber,
		ExecutedAt:      l.ExecutedAt,
		RequestHeaders:  reqHeaders,
		RequestBody:     l.RequestBody,
		ResponseCode:    l.ResponseCode,
		ResponseHeaders: headers,
		ResponseBody:    l.ResponseBody,
		ResponseTimeMs:  l.ResponseTimeMs,
		Result:          string(l.Result),
		ErrorMessage:    l.ErrorMessage,
		CreatedAt:       l.CreatedAt,
	}, nil
}

func (r *LogRow) toLog() (*task.Log, error) {
	l := &task.Log{
		ID:             r.ID,
		TaskID:         r.TaskID,
		AttemptNumber:  r.AttemptNumber,
		ExecutedAt:     r.ExecutedAt,
		RequestBody:    r.RequestBody,
		ResponseCode:   r.ResponseCode,
		ResponseBody:   r.ResponseBody,
		ResponseTimeMs: r.ResponseTimeMs,
		Result:         task.Result(r.Result),
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
	}
	if err := decodeJSON(r.RequestHeaders, &l.RequestHeaders); err != nil {
		return nil, fmt.Errorf("decode request headers: %w", err)
	}
	if err := decodeJSON(r.ResponseHeaders, &l.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	return l, nil
}

func toLogs(rows []LogRow) ([]*task.Log, error) {
	out := make([]*task.Log, 0, len(rows))
	for i := range rows {
		l, err := rows[i].toLog()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r gormLogs) Save(ctx context.Context, l *task.Log) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.s.now()
	}
	row, err := toLogRow(l)
	if err != nil {
		return err
	}
	row.ID = 0
	if err := r.s.db.WithContext(ctx).Omit("Task").Create(row).Error; err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	l.ID = row.ID
	return nil
}

func (r gormLogs) FindByTask(ctx context.Context, taskID int64) ([]*task.Log, error) {
	var rows []LogRow
	err := r.s.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("attempt_number ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return toLogs(rows)
}

func (r gormLogs) LatestForTask(ctx context.Context, taskID int64) (*task.Log, error) {
	var row LogRow
	err := r.s.db.WithContext(ctx).Where("task_id = ?", taskID).
		Order("attempt_number DESC").Order("id DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest log: %w", err)
	}
	return row.toLog()
}

func (r gormLogs) since(ctx context.Context, since *time.Time) *gorm.DB {
	q := r.s.db.WithContext(ctx).Model(&LogRow{})
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	return q
}

func (r gormLogs) AverageResponseTime(ctx context.Context, since *time.Time) (*float64, error) {
	var avg *float64
	err := r.since(ctx, since).Where("result = ?", string(task.ResultSuccess)).
		Select("AVG(response_time_ms)").Scan(&avg).Error
	if err != nil {
		return nil, fmt.Errorf("average response time: %w", err)
	}
	return avg, nil
}

func (r gormLogs) ResultDistribution(ctx context.Context, since *time.Time) (map[task.Result]int64, error) {
	var rows []struct {
		Result string
		N      int64
	}
	err := r.since(ctx, since).Select("result, COUNT(*) AS n").Group("result").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("result distribution: %w", err)
	}
	out := make(map[task.Result]int64, len(rows))
	for _, row := range rows {
		out[task.Result(row.Result)] = row.N
	}
	return out, nil
}

func (r gormLogs) ResponseCodeDistribution(ctx context.Context, since *time.Time) (map[int]int64, error) {
	var rows []struct {
		ResponseCode int
		N            int64
	}
	err := r.since(ctx, since).Where("response_code IS NOT NULL").
		Select("response_code, COUNT(*) AS n").Group("response_code").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("response code distribution: %w", err)
	}
	out := make(map[int]int64, len(rows))
	for _, row := range rows {
		out[row.ResponseCode] = row.N
	}
	return out, nil
}

func (r gormLogs) FindExpiredLogs(ctx context.Context, before time.Time, limit int) ([]*task.Log, error) {
	var rows []LogRow
	err := r.s.db.WithContext(ctx).Where("created_at < ?", before).
		Order("created_at ASC").Order("id ASC").Limit(normLimit(limit)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return toLogs(rows)
}

func (r gormLogs) DeleteOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res := r.s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&LogRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
