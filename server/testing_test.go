package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	tocktest "github.com/teranos/tock/internal/testing"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/workers"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, target.Firing) error { return nil }

type apiFixture struct {
	server    *TockServer
	http      *httptest.Server
	tracker   *async.Tracker
	calendars *calendar.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	conn := tocktest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	registry := workers.NewRegistry(conn, log)
	calendars := calendar.NewService(calendar.NewStore(conn), log)
	tracker := async.NewTracker(conn, registry, async.TrackerConfig{DefaultMaxAttempts: 2, DefaultTimeoutSec: 30}, log)
	schedules := schedule.NewService(schedule.NewStore(conn), calendars, nopDispatcher{}, log)
	schedules.SetJobPolicies(tracker)

	s, err := NewTockServer(Deps{
		DB:        conn,
		Schedules: schedules,
		Tracker:   tracker,
		Workers:   registry,
		Calendars: calendars,
	}, Config{AllowedOrigins: []string{"http://localhost"}}, log)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop(context.Background())
	})
	return &apiFixture{server: s, http: ts, tracker: tracker, calendars: calendars}
}

// call sends body (marshalled unless it is a string) and decodes the reply
// into out when out is non-nil.
func (f *apiFixture) call(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const fixedDelaySchedule = `{
	"name": %q,
	"trigger": {"type": "fixed_delay", "config": {"seconds": 60}},
	"target": {"type": "event", "config": {"topic": "inventory.sync"}},
	"payload": {"warehouse": "ams"}
}`
