package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/courier/internal/task"
)

// Postgres stores tasks and logs in PostgreSQL through a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres wraps an open pool. When migrate is set the schema is created if missing.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, migrate bool) (*Postgres, error) {
	if migrate {
		if err := initSchema(ctx, pool); err != nil {
			return nil, err
		}
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS http_tasks (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			headers JSONB NULL,
			body TEXT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			priority SMALLINT NOT NULL DEFAULT 2,
			max_attempts INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL,
			retry_delay_ms INTEGER NOT NULL,
			retry_multiplier DOUBLE PRECISION NOT NULL,
			last_response_code INTEGER NULL,
			last_response_body TEXT NULL,
			last_error_message TEXT NULL,
			scheduled_at TIMESTAMPTZ NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			last_attempt_at TIMESTAMPTZ NULL,
			metadata JSONB NULL,
			rate_limit_key TEXT NOT NULL DEFAULT '',
			rate_limit_per_second INTEGER NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_http_tasks_status_priority ON http_tasks (status, priority DESC, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_http_tasks_scheduled ON http_tasks (scheduled_at);`,
		`CREATE TABLE IF NOT EXISTS http_task_logs (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES http_tasks(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL,
			request_headers JSONB NULL,
			request_body TEXT NULL,
			response_code INTEGER NULL,
			response_headers JSONB NULL,
			response_body TEXT NULL,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			result TEXT NOT NULL,
			error_message TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_http_task_logs_task_attempt ON http_task_logs (task_id, attempt_number);`,
		`CREATE INDEX IF NOT EXISTS idx_http_task_logs_created ON http_task_logs (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) Tasks() TaskRepository { return pgTasks{s} }
func (s *Postgres) Logs() LogRepository   { return pgLogs{s} }

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Postgres) Close()                         { s.pool.Close() }

const taskColumns = `id, uuid, status, method, url, headers, body, content_type, priority,
	max_attempts, attempts, timeout_seconds, retry_delay_ms, retry_multiplier,
	last_response_code, last_response_body, last_error_message,
	scheduled_at, started_at, completed_at, last_attempt_at,
	metadata, rate_limit_key, rate_limit_per_second, created_at, updated_at`

const logColumns = `id, task_id, attempt_number, executed_at, request_headers, request_body,
	response_code, response_headers, response_body, response_time_ms, result, error_message, created_at`

func jsonColumn(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                 task.Task
		status            string
		priority          int16
		headers, metadata []byte
	)
	err := row.Scan(
		&t.ID, &t.UUID, &status, &t.Method, &t.URL, &headers, &t.Body, &t.ContentType, &priority,
		&t.MaxAttempts, &t.Attempts, &t.TimeoutSeconds, &t.RetryDelayMs, &t.RetryMultiplier,
		&t.LastResponseCode, &t.LastResponseBody, &t.LastErrorMessage,
		&t.ScheduledAt, &t.StartedAt, &t.CompletedAt, &t.LastAttemptAt,
		&metadata, &t.RateLimitKey, &t.RateLimitPerSecond, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &t.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func scanLog(row pgx.Row) (*task.Log, error) {
	var (
		l                   task.Log
		result              string
		reqHeaders, headers []byte
	)
	err := row.Scan(
		&l.ID, &l.TaskID, &l.AttemptNumber, &l.ExecutedAt, &reqHeaders, &l.RequestBody,
		&l.ResponseCode, &headers, &l.ResponseBody, &l.ResponseTimeMs, &result, &l.ErrorMessage, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Result = task.Result(result)
	if len(reqHeaders) > 0 {
		if err := json.Unmarshal(reqHeaders, &l.RequestHeaders); err != nil {
			return nil, fmt.Errorf("decode request headers: %w", err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &l.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("decode response headers: %w", err)
		}
	}
	return &l, nil
}

type pgTasks struct{ s *Postgres }

func (r pgTasks) Save(ctx context.Context, t *task.Task) error {
	headers, err := jsonColumn(t.Headers, t.Headers == nil)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	metadata, err := jsonColumn(t.Metadata, t.Metadata == nil)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	now := r.s.now()
	if t.ID == 0 {
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		var id int64
		err := r.s.pool.QueryRow(ctx,
			`INSERT INTO http_tasks (
				uuid, status, method, url, headers, body, content_type, priority,
				max_attempts, attempts, timeout_seconds, retry_delay_ms, retry_multiplier,
				last_response_code, last_response_body, last_error_message,
				scheduled_at, started_at, completed_at, last_attempt_at,
				metadata, rate_limit_key, rate_limit_per_second, created_at, updated_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
			) RETURNING id`,
			t.UUID, string(t.Status), t.Method, t.URL, headers, t.Body, t.ContentType, int16(t.Priority),
			t.MaxAttempts, t.Attempts, t.TimeoutSeconds, t.RetryDelayMs, t.RetryMultiplier,
			t.LastResponseCode, t.LastResponseBody, t.LastErrorMessage,
			t.ScheduledAt, t.StartedAt, t.CompletedAt, t.LastAttemptAt,
			metadata, t.RateLimitKey, t.RateLimitPerSecond, createdAt, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		t.ID = id
		t.CreatedAt = createdAt
		t.UpdatedAt = now
		return nil
	}

	tag, err := r.s.pool.Exec(ctx,
		`UPDATE http_tasks SET
			status=$2, method=$3, url=$4, headers=$5, body=$6, content_type=$7, priority=$8,
			max_attempts=$9, attempts=$10, timeout_seconds=$11, retry_delay_ms=$12, retry_multiplier=$13,
			last_response_code=$14, last_response_body=$15, last_error_message=$16,
			scheduled_at=$17, started_at=$18, completed_at=$19, last_attempt_at=$20,
			metadata=$21, rate_limit_key=$22, rate_limit_per_second=$23, updated_at=$24
		WHERE id=$1`,
		t.ID, string(t.Status), t.Method, t.URL, headers, t.Body, t.ContentType, int16(t.Priority),
		t.MaxAttempts, t.Attempts, t.TimeoutSeconds, t.RetryDelayMs, t.RetryMultiplier,
		t.LastResponseCode, t.LastResponseBody, t.LastErrorMessage,
		t.ScheduledAt, t.StartedAt, t.CompletedAt, t.LastAttemptAt,
		metadata, t.RateLimitKey, t.RateLimitPerSecond, now,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	t.UpdatedAt = now
	return nil
}

func (r pgTasks) Remove(ctx context.Context, id int64) error {
	tag, err := r.s.pool.Exec(ctx, `DELETE FROM http_tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r pgTasks) findOne(ctx context.Context, where string, arg any) (*task.Task, error) {
	row := r.s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM http_tasks WHERE `+where, arg)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r pgTasks) Find(ctx context.Context, id int64) (*task.Task, error) {
	return r.findOne(ctx, `id=$1`, id)
}

func (r pgTasks) FindByUUID(ctx context.Context, uuid string) (*task.Task, error) {
	return r.findOne(ctx, `uuid=$1`, uuid)
}

func (r pgTasks) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func (r pgTasks) FindPendingTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM http_tasks
		 WHERE status=$1 AND (scheduled_at IS NULL OR scheduled_at <= $2)
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT $3`,
		string(task.StatusPending), r.s.now(), normLimit(limit))
}

func (r pgTasks) FindFailedTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.FindTasksByStatus(ctx, task.StatusFailed, limit)
}

func (r pgTasks) FindTasksByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM http_tasks WHERE status=$1
		 ORDER BY created_at DESC, id ASC LIMIT $2`,
		string(status), normLimit(limit))
}

func (r pgTasks) FindRetriable(ctx context.Context, limit int) ([]*task.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM http_tasks
		 WHERE status=$1 AND attempts < max_attempts
		 ORDER BY priority DESC, last_attempt_at ASC NULLS FIRST, id ASC LIMIT $2`,
		string(task.StatusFailed), normLimit(limit))
}

func (r pgTasks) FindStaleProcessing(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*task.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM http_tasks
		 WHERE status=$1 AND last_attempt_at + make_interval(secs => timeout_seconds + $2::double precision) < $3
		 ORDER BY last_attempt_at + make_interval(secs => timeout_seconds) ASC, id ASC LIMIT $4`,
		string(task.StatusProcessing), grace.Seconds(), now, normLimit(limit))
}

func (r pgTasks) CountByStatus(ctx context.Context, status task.Status) (int64, error) {
	var n int64
	if err := r.s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM http_tasks WHERE status=$1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r pgTasks) FindExpiredTasks(ctx context.Context, before time.Time, limit int) ([]*task.Task, error) {
	return r.list(ctx,
		`SELECT `+taskColumns+` FROM http_tasks
		 WHERE status = ANY($1) AND created_at < $2
		 ORDER BY created_at ASC, id ASC LIMIT $3`,
		terminalStrings(), before, normLimit(limit))
}

func (r pgTasks) DeleteOldTasks(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.s.pool.Exec(ctx,
		`DELETE FROM http_tasks WHERE status = ANY($1) AND created_at < $2`,
		terminalStrings(), before)
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgLogs struct{ s *Postgres }

func (r pgLogs) Save(ctx context.Context, l *task.Log) error {
	reqHeaders, err := jsonColumn(l.RequestHeaders, l.RequestHeaders == nil)
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}
	headers, err := jsonColumn(l.ResponseHeaders, l.ResponseHeaders == nil)
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = r.s.now()
	}

	err = r.s.pool.QueryRow(ctx,
		`INSERT INTO http_task_logs (
			task_id, attempt_number, executed_at, request_headers, request_body,
			response_code, response_headers, response_body, response_time_ms, result, error_message, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		l.TaskID, l.AttemptNumber, l.ExecutedAt, reqHeaders, l.RequestBody,
		l.ResponseCode, headers, l.ResponseBody, l.ResponseTimeMs, string(l.Result), l.ErrorMessage, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (r pgLogs) list(ctx context.Context, query string, args ...any) ([]*task.Log, error) {
	rows, err := r.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*task.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

func (r pgLogs) FindByTask(ctx context.Context, taskID int64) ([]*task.Log, error) {
	return r.list(ctx,
		`SELECT `+logColumns+` FROM http_task_logs WHERE task_id=$1 ORDER BY attempt_number ASC, id ASC`,
		taskID)
}

func (r pgLogs) LatestForTask(ctx context.Context, taskID int64) (*task.Log, error) {
	row := r.s.pool.QueryRow(ctx,
		`SELECT `+logColumns+` FROM http_task_logs WHERE task_id=$1
		 ORDER BY attempt_number DESC, id DESC LIMIT 1`, taskID)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest log: %w", err)
	}
	return l, nil
}

// sinceClause yields a predicate usable after WHERE; the cutoff is always bound as $1
func sinceClause(since *time.Time) (string, []any) {
	if since == nil {
		return "TRUE", []any{}
	}
	return "created_at >= $1", []any{*since}
}

func (r pgLogs) AverageResponseTime(ctx context.Context, since *time.Time) (*float64, error) {
	where, args := sinceClause(since)
	args = append(args, string(task.ResultSuccess))
	var avg *float64
	err := r.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT AVG(response_time_ms)::float8 FROM http_task_logs WHERE %s AND result=$%d`, where, len(args)),
		args...).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average response time: %w", err)
	}
	return avg, nil
}

func (r pgLogs) ResultDistribution(ctx context.Context, since *time.Time) (map[task.Result]int64, error) {
	where, args := sinceClause(since)
	rows, err := r.s.pool.Query(ctx,
		`SELECT result, COUNT(*) FROM http_task_logs WHERE `+where+` GROUP BY result`, args...)
	if err != nil {
		return nil, fmt.Errorf("result distribution: %w", err)
	}
	defer rows.Close()

	out := make(map[task.Result]int64)
	for rows.Next() {
		var result string
		var n int64
		if err := rows.Scan(&result, &n); err != nil {
			return nil, fmt.Errorf("scan result distribution: %w", err)
		}
		out[task.Result(result)] = n
	}
	return out, rows.Err()
}

func (r pgLogs) ResponseCodeDistribution(ctx context.Context, since *time.Time) (map[int]int64, error) {
	where, args := sinceClause(since)
	rows, err := r.s.pool.Query(ctx,
		`SELECT response_code, COUNT(*) FROM http_task_logs
		 WHERE `+where+` AND response_code IS NOT NULL GROUP BY response_code`, args...)
	if err != nil {
		return nil, fmt.Errorf("response code distribution: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var code int
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan response code distribution: %w", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

func (r pgLogs) FindExpiredLogs(ctx context.Context, before time.Time, limit int) ([]*task.Log, error) {
	return r.list(ctx,
		`SELECT `+logColumns+` FROM http_task_logs WHERE created_at < $1
		 ORDER BY created_at ASC, id ASC LIMIT $2`, before, normLimit(limit))
}

func (r pgLogs) DeleteOldLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.s.pool.Exec(ctx, `DELETE FROM http_task_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
