package task

import "time"

// Result classifies the outcome of one attempt
type Result string

const (
	ResultSuccess      Result = "success"
	ResultFailure      Result = "failure"
	ResultTimeout      Result = "timeout"
	ResultNetworkError Result = "network_error"
)

// Log is the immutable record of a single attempt against a task
type Log struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	AttemptNumber   int       `json:"attempt_number"`
	ExecutedAt      time.Time `json:"executed_at"`
	RequestHeaders  Headers   `json:"request_headers,omitempty"`
	RequestBody     *string   `json:"request_body,omitempty"`
	ResponseCode    *int      `json:"response_code,omitempty"`
	ResponseHeaders Headers   `json:"response_headers,omitempty"`
	ResponseBody    *string   `json:"response_body,omitempty"`
	ResponseTimeMs  int64     `json:"response_time_ms"`
	Result          Result    `json:"result"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewLog starts the log for the attempt the task is currently on, snapshotting the request
func NewLog(t *Task, now time.Time) *Log {
	return &Log{
		TaskID:         t.ID,
		AttemptNumber:  t.Attempts,
		ExecutedAt:     now,
		RequestHeaders: t.Headers.Clone(),
		RequestBody:    cloneString(t.Body),
		CreatedAt:      now,
	}
}

func (l *Log) IsSuccess() bool      { return l.Result == ResultSuccess }
func (l *Log) IsFailure() bool      { return l.Result == ResultFailure }
func (l *Log) IsNetworkError() bool { return l.Result == ResultNetworkError }
func (l *Log) IsTimeout() bool      { return l.Result == ResultTimeout }

func (l *Log) Clone() *Log {
	if l == nil {
		return nil
	}
	out := *l
	out.RequestHeaders = l.RequestHeaders.Clone()
	out.RequestBody = cloneString(l.RequestBody)
	out.ResponseCode = cloneInt(l.ResponseCode)
	out.ResponseHeaders = l.ResponseHeaders.Clone()
	out.ResponseBody = cloneString(l.ResponseBody)
	out.ErrorMessage = cloneString(l.ErrorMessage)
	return &out
}
