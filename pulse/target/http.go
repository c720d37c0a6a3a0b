package target

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/httpclient"
)

const maxRejectedBody = 4096

// Headers set on every webhook call.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRunID         = "X-Run-ID"
	HeaderScheduleID    = "X-Schedule-ID"
)

// InvocationError means the endpoint could not be reached at all
// (DNS, connect, TLS, timeout, blocked by SSRF rules).
type InvocationError struct {
	Method string
	URL    string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s could not be invoked: %v", e.Method, e.URL, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// RejectedError means the endpoint answered with a non-2xx status.
type RejectedError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected with status %d", e.Method, e.URL, e.StatusCode)
}

// HTTPExecutor calls webhook targets.
type HTTPExecutor struct {
	client         *httpclient.SaferClient
	limiter        *rate.Limiter
	defaultTimeout time.Duration
}

// HTTPConfig tunes the HTTP executor.
type HTTPConfig struct {
	DefaultTimeout    time.Duration
	RequestsPerMinute int  // 0 disables rate limiting
	AllowPrivate      bool // allow loopback/private targets
}

// NewHTTPExecutor creates an HTTP executor with SSRF protection.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	// Per-request deadlines come from the context.
	client := httpclient.New(0, httpclient.Options{AllowPrivate: cfg.AllowPrivate})
	return NewHTTPExecutorWithClient(client, cfg)
}

// NewHTTPExecutorWithClient uses an existing client (tests wrap httptest clients).
func NewHTTPExecutorWithClient(client *httpclient.SaferClient, cfg HTTPConfig) *HTTPExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &HTTPExecutor{client: client, limiter: limiter, defaultTimeout: cfg.DefaultTimeout}
}

func (h *HTTPExecutor) Execute(ctx context.Context, f Firing) error {
	t, ok := f.Target.(HTTP)
	if !ok {
		return errors.Mark(errors.Newf("http executor got %T", f.Target), errors.ErrExecutor)
	}
	method := t.MethodOrDefault()

	timeout := h.defaultTimeout
	if t.TimeoutSec > 0 {
		timeout = time.Duration(t.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return h.invocation(method, t.URL, errors.Wrap(err, "rate limit wait"))
		}
	}

	var body io.Reader
	if len(f.Payload) > 0 && method != http.MethodGet {
		body = bytes.NewReader(f.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, body)
	if err != nil {
		return h.invocation(method, t.URL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderCorrelationID, f.CorrelationID)
	req.Header.Set(HeaderRunID, f.RunID)
	req.Header.Set(HeaderScheduleID, f.ScheduleID)

	resp, err := h.client.Do(req)
	if err != nil {
		return h.invocation(method, t.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxRejectedBody))
		return errors.Mark(&RejectedError{
			Method:     method,
			URL:        t.URL,
			StatusCode: resp.StatusCode,
			Body:       string(snippet),
		}, errors.ErrExecutor)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPExecutor) invocation(method, url string, err error) error {
	return errors.Mark(&InvocationError{Method: method, URL: url, Err: err}, errors.ErrExecutor)
}
