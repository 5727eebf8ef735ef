package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// DefaultMaxResponseBytes bounds how much of a response body is read
const DefaultMaxResponseBytes int64 = 1 << 20

// Response is what the executor needs from a completed HTTP exchange
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       string
}

// Transport sends one request. Implementations return *TransportError when no response
// arrived and *StatusError when a response arrived with a status the transport rejects.
type Transport interface {
	Send(req *http.Request) (*Response, error)
}

// TransportError is a connection, DNS or timeout failure with no usable response
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a response whose status the transport treats as a protocol failure
type StatusError struct {
	Method   string
	URL      string
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d returned for %q", e.Response.StatusCode, e.Method+" "+e.URL)
}

// HTTPTransport is the net/http backed Transport
type HTTPTransport struct {
	Client *http.Client
	// FailOnStatus turns responses with status >= 400 into *StatusError
	FailOnStatus bool
	// MaxResponseBytes caps the body read; zero means DefaultMaxResponseBytes
	MaxResponseBytes int64
}

// NewHTTPTransport returns a transport with its own client. Timeouts come from the request context.
func NewHTTPTransport(failOnStatus bool, maxResponseBytes int64) *HTTPTransport {
	return &HTTPTransport{
		Client:           &http.Client{},
		FailOnStatus:     failOnStatus,
		MaxResponseBytes: maxResponseBytes,
	}
}

func (t *HTTPTransport) Send(req *http.Request) (*Response, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, newTransportError(err)
	}
	defer resp.Body.Close()

	limit := t.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, newTransportError(err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       string(b),
	}
	if t.FailOnStatus && resp.StatusCode >= 400 {
		return out, &StatusError{Method: req.Method, URL: req.URL.String(), Response: out}
	}
	return out, nil
}

func newTransportError(err error) *TransportError {
	return &TransportError{Err: err, Timeout: isTimeout(err)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// FailureReason buckets an attempt failure for the retry metrics
func FailureReason(err error, status int) string {
	var se *StatusError
	if errors.As(err, &se) {
		return statusReason(se.Response.StatusCode)
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Timeout {
			return "timeout"
		}
		errLower := strings.ToLower(te.Error())
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if err != nil {
		return "other"
	}
	return statusReason(status)
}

func statusReason(status int) string {
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
