package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	tocktest "github.com/teranos/tock/internal/testing"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
	"github.com/teranos/tock/pulse/workers"
)

var t0 = time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC) // a Monday

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingDispatcher captures firings and optionally fails or panics.
type recordingDispatcher struct {
	mu      sync.Mutex
	firings []target.Firing
	err     error
	panic   bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, f target.Firing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firings = append(d.firings, f)
	if d.panic {
		panic("executor exploded")
	}
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.firings)
}

func (d *recordingDispatcher) last() target.Firing {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firings[len(d.firings)-1]
}

type fixture struct {
	db         *sql.DB
	store      *Store
	svc        *Service
	calendars  *calendar.Service
	tracker    *async.Tracker
	ticker     *Ticker
	dispatcher *recordingDispatcher
	clock      *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := tocktest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	clock := &testClock{t: t0}
	store := NewStore(conn)
	store.now = clock.Now

	calendars := calendar.NewService(calendar.NewStore(conn), log)
	dispatcher := &recordingDispatcher{}
	svc := NewService(store, calendars, dispatcher, log)
	svc.now = clock.Now

	tracker := async.NewTracker(conn, workers.NewRegistry(conn, log),
		async.TrackerConfig{DefaultMaxAttempts: 2, DefaultTimeoutSec: 30}, log)
	svc.SetJobPolicies(tracker)
	ticker := NewTicker(svc, tracker, nil, DefaultTickerConfig(), log)

	return &fixture{
		db:         conn,
		store:      store,
		svc:        svc,
		calendars:  calendars,
		tracker:    tracker,
		ticker:     ticker,
		dispatcher: dispatcher,
		clock:      clock,
	}
}

// create stores an enabled schedule for tenant acme.
func (f *fixture) create(t *testing.T, name string, trig trigger.Trigger) *Schedule {
	t.Helper()
	sc, err := f.svc.CreateSchedule(context.Background(), "acme", &Schedule{
		Name:    name,
		Trigger: trig,
		Target:  target.Event{Topic: "inventory.sync"},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("create schedule %s: %v", name, err)
	}
	return sc
}
