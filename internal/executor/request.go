package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/austindbirch/courier/internal/task"
	"github.com/austindbirch/courier/internal/tracing"
)

const formContentType = "application/x-www-form-urlencoded"

// BuildRequest maps a task onto an outbound request.
// JSON content types are re-encoded as a JSON document, form bodies are parsed and re-encoded
// as form fields, and anything else is sent verbatim. The task's content type is sent even
// when there is no body.
func BuildRequest(ctx context.Context, t *task.Task) (*http.Request, error) {
	var body io.Reader
	contentType := t.ContentType

	if t.Body != nil {
		switch {
		case strings.Contains(t.ContentType, "json"):
			var doc any
			if err := json.Unmarshal([]byte(*t.Body), &doc); err != nil {
				return nil, fmt.Errorf("invalid JSON body: %w", err)
			}
			b, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("encode JSON body: %w", err)
			}
			body = bytes.NewReader(b)
		case t.ContentType == formContentType:
			values, err := url.ParseQuery(*t.Body)
			if err != nil {
				return nil, fmt.Errorf("invalid form body: %w", err)
			}
			body = strings.NewReader(values.Encode())
		default:
			body = strings.NewReader(*t.Body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = t.Headers.HTTP()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// W3C trace context so the receiver can join the attempt's trace
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	return req, nil
}
