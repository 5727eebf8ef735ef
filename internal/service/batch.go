package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/courier/internal/task"
)

const jsonContentType = "application/json"

// APICall is one JSON POST target
type APICall struct {
	URL  string `json:"url"`
	Data any    `json:"data"`
}

// Resource is a path under a base URL with optional query parameters
type Resource struct {
	Path   string     `json:"path"`
	Params url.Values `json:"params,omitempty"`
}

// CreateBatch validates every request before persisting any. Tasks are then persisted and
// dispatched in order; on the first failure the tasks created so far are returned with the error.
func (s *Service) CreateBatch(ctx context.Context, reqs []CreateRequest) ([]*task.Task, error) {
	built := make([]*task.Task, 0, len(reqs))
	for i, req := range reqs {
		t, err := s.build(req)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		built = append(built, t)
	}

	created := make([]*task.Task, 0, len(built))
	for i, t := range built {
		saved, err := s.persistAndDispatch(ctx, t)
		if saved != nil {
			created = append(created, saved)
		}
		if err != nil {
			return created, fmt.Errorf("task %d: %w", i, err)
		}
	}
	s.logger.WithContext(ctx).WithField("count", len(created)).Info("batch created")
	return created, nil
}

// CreateFromURLs creates one task per URL sharing the common request's settings
func (s *Service) CreateFromURLs(ctx context.Context, urls []string, common CreateRequest) ([]*task.Task, error) {
	reqs := make([]CreateRequest, 0, len(urls))
	for _, u := range urls {
		req := withCommon(CreateRequest{}, common)
		req.URL = u
		reqs = append(reqs, req)
	}
	return s.CreateBatch(ctx, reqs)
}

// CreateAPICalls POSTs each call's data as JSON
func (s *Service) CreateAPICalls(ctx context.Context, calls []APICall, common CreateRequest) ([]*task.Task, error) {
	reqs := make([]CreateRequest, 0, len(calls))
	for i, c := range calls {
		body, err := json.Marshal(c.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: call %d: encode data: %v", task.ErrInvalid, i, err)
		}
		req := CreateRequest{Method: task.MethodPost, URL: c.URL}
		req.Body = task.StringPtr(string(body))
		req.ContentType = jsonContentType
		reqs = append(reqs, withCommon(req, common))
	}
	return s.CreateBatch(ctx, reqs)
}

// CreateResourceFetches creates a request per resource path joined onto baseURL
func (s *Service) CreateResourceFetches(ctx context.Context, baseURL string, resources []Resource, common CreateRequest) ([]*task.Task, error) {
	reqs := make([]CreateRequest, 0, len(resources))
	for _, r := range resources {
		u := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(r.Path, "/")
		if len(r.Params) > 0 {
			u += "?" + r.Params.Encode()
		}
		req := withCommon(CreateRequest{}, common)
		req.URL = u
		reqs = append(reqs, req)
	}
	return s.CreateBatch(ctx, reqs)
}

// CreateWebhookEvents POSTs each event as JSON with X-Event-Type and X-Event-Id headers.
// Events without an id get a generated one.
func (s *Service) CreateWebhookEvents(ctx context.Context, webhookURL string, events []map[string]any, common CreateRequest) ([]*task.Task, error) {
	reqs := make([]CreateRequest, 0, len(events))
	for i, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: encode: %v", task.ErrInvalid, i, err)
		}
		eventType := "unknown"
		if v, ok := ev["type"]; ok && v != nil {
			eventType = fmt.Sprint(v)
		}
		eventID := uuid.NewString()
		if v, ok := ev["id"]; ok && v != nil {
			eventID = fmt.Sprint(v)
		}

		req := CreateRequest{Method: task.MethodPost, URL: webhookURL}
		req.Body = task.StringPtr(string(body))
		req.ContentType = jsonContentType
		req.Headers = task.Headers{}
		req.Headers.Set("X-Event-Type", eventType)
		req.Headers.Set("X-Event-Id", eventID)
		reqs = append(reqs, withCommon(req, common))
	}
	return s.CreateBatch(ctx, reqs)
}

// CreateScheduledBatch creates count copies of template scheduled start, start+interval, ...
func (s *Service) CreateScheduledBatch(ctx context.Context, start time.Time, count int, interval time.Duration, template CreateRequest) ([]*task.Task, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: count must not be negative", task.ErrInvalid)
	}
	reqs := make([]CreateRequest, 0, count)
	at := start
	for i := 0; i < count; i++ {
		req := template
		req.Headers = template.Headers.Clone()
		scheduled := at
		req.ScheduledAt = &scheduled
		reqs = append(reqs, req)
		at = at.Add(interval)
	}
	return s.CreateBatch(ctx, reqs)
}

// withCommon overlays the fields set on common onto req. Common headers are merged over req's.
func withCommon(req, common CreateRequest) CreateRequest {
	if common.Method != "" {
		req.Method = common.Method
	}
	if common.URL != "" && req.URL == "" {
		req.URL = common.URL
	}
	if len(common.Headers) > 0 {
		merged := req.Headers.Clone()
		if merged == nil {
			merged = task.Headers{}
		}
		for k, v := range common.Headers {
			merged.Set(k, v...)
		}
		req.Headers = merged
	}
	if common.Body != nil {
		req.Body = common.Body
	}
	if common.ContentType != "" {
		req.ContentType = common.ContentType
	}
	if common.Priority != nil {
		req.Priority = common.Priority
	}
	if common.MaxAttempts != nil {
		req.MaxAttempts = common.MaxAttempts
	}
	if common.TimeoutSeconds != nil {
		req.TimeoutSeconds = common.TimeoutSeconds
	}
	if common.RetryDelayMs != nil {
		req.RetryDelayMs = common.RetryDelayMs
	}
	if common.RetryMultiplier != nil {
		req.RetryMultiplier = common.RetryMultiplier
	}
	if common.ScheduledAt != nil {
		req.ScheduledAt = common.ScheduledAt
	}
	if common.Metadata != nil {
		req.Metadata = common.Metadata
	}
	if common.RateLimitKey != "" {
		req.RateLimitKey = common.RateLimitKey
	}
	if common.RateLimitPerSecond != nil {
		req.RateLimitPerSecond = common.RateLimitPerSecond
	}
	return req
}
