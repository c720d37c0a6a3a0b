package target

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/httpclient"
)

func newTestHTTPExecutor(srv *httptest.Server, cfg HTTPConfig) *HTTPExecutor {
	return NewHTTPExecutorWithClient(httpclient.WrapClient(srv.Client()), cfg)
}

func TestHTTPExecutor_Success(t *testing.T) {
	var gotMethod, gotBody string
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exec := newTestHTTPExecutor(srv, HTTPConfig{})
	f := testFiring(HTTP{URL: srv.URL + "/hooks/close", Headers: map[string]string{"X-Api-Key": "secret"}})

	require.NoError(t, exec.Execute(context.Background(), f))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"warehouse":"north"}`, gotBody)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "secret", gotHeaders.Get("X-Api-Key"))
	assert.Equal(t, "corr-1", gotHeaders.Get(HeaderCorrelationID))
	assert.Equal(t, "run-1", gotHeaders.Get(HeaderRunID))
	assert.Equal(t, "sched-1", gotHeaders.Get(HeaderScheduleID))
}

func TestHTTPExecutor_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ledger locked", http.StatusConflict)
	}))
	defer srv.Close()

	err := newTestHTTPExecutor(srv, HTTPConfig{}).Execute(context.Background(), testFiring(HTTP{URL: srv.URL, Method: "put"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusConflict, rejected.StatusCode)
	assert.Equal(t, http.MethodPut, rejected.Method)
	assert.Contains(t, rejected.Body, "ledger locked")

	var invocation *InvocationError
	assert.False(t, errors.As(err, &invocation))
}

func TestHTTPExecutor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	exec := newTestHTTPExecutor(srv, HTTPConfig{})
	srv.Close()

	err := exec.Execute(context.Background(), testFiring(HTTP{URL: url}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutor))

	var invocation *InvocationError
	require.True(t, errors.As(err, &invocation))
	assert.Equal(t, url, invocation.URL)
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec := newTestHTTPExecutor(srv, HTTPConfig{DefaultTimeout: 50 * time.Millisecond})
	start := time.Now()
	err := exec.Execute(context.Background(), testFiring(HTTP{URL: srv.URL}))
	require.Error(t, err)

	var invocation *InvocationError
	assert.True(t, errors.As(err, &invocation))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPExecutor_SSRFBlocked(t *testing.T) {
	exec := NewHTTPExecutor(HTTPConfig{})
	err := exec.Execute(context.Background(), testFiring(HTTP{URL: "http://169.254.169.254/latest"}))
	require.Error(t, err)

	var invocation *InvocationError
	require.True(t, errors.As(err, &invocation))
	assert.True(t, errors.Is(err, httpclient.ErrBlocked))
}

func TestHTTPExecutor_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// burst of 1, next token in 60s
	exec := newTestHTTPExecutor(srv, HTTPConfig{RequestsPerMinute: 1})
	require.NoError(t, exec.Execute(context.Background(), testFiring(HTTP{URL: srv.URL})))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := exec.Execute(ctx, testFiring(HTTP{URL: srv.URL}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestHTTPExecutor_GetSendsNoBody(t *testing.T) {
	var contentLength int64 = -2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentLength = r.ContentLength
	}))
	defer srv.Close()

	require.NoError(t, newTestHTTPExecutor(srv, HTTPConfig{}).Execute(context.Background(), testFiring(HTTP{URL: srv.URL, Method: "GET"})))
	assert.EqualValues(t, 0, contentLength)
}
