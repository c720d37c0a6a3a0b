package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tock/db"
	tocktest "github.com/teranos/tock/internal/testing"
	"github.com/teranos/tock/pulse/workers"
)

// testClock is a settable clock shared by a tracker under test.
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

type trackerFixture struct {
	db       *sql.DB
	tracker  *Tracker
	registry *workers.Registry
	clock    *testClock
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	conn := tocktest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	registry := workers.NewRegistry(conn, log)
	tracker := NewTracker(conn, registry, TrackerConfig{DefaultMaxAttempts: 2, DefaultTimeoutSec: 30}, log)
	clock := &testClock{t: time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)}
	tracker.now = clock.Now
	tracker.jobs.now = clock.Now
	return &trackerFixture{db: conn, tracker: tracker, registry: registry, clock: clock}
}

func (f *trackerFixture) job(t *testing.T, j *Job) *Job {
	t.Helper()
	if j.TenantID == "" {
		j.TenantID = "acme"
	}
	j.Enabled = true
	require.NoError(t, f.tracker.Jobs().Create(context.Background(), j))
	return j
}

func (f *trackerFixture) worker(t *testing.T, name string, maxParallel int, caps ...string) *workers.Worker {
	t.Helper()
	w, err := f.registry.Register(context.Background(), workers.RegisterRequest{
		Name: name, MaxParallel: maxParallel, Capabilities: caps,
	})
	require.NoError(t, err)
	return w
}

// schedule inserts a bare schedule row so runs can reference it.
func (f *trackerFixture) schedule(t *testing.T, id string) string {
	t.Helper()
	now := db.FormatTime(f.clock.Now())
	_, err := f.db.Exec(`INSERT INTO schedules (id, tenant_id, name, trigger_config, target_config, enabled, created_at, updated_at)
		VALUES (?, 'acme', ?, '{"type":"fixed_delay","config":{"seconds":60}}', '{"type":"event","config":{"topic":"t"}}', 1, ?, ?)`,
		id, "schedule-"+id, now, now)
	require.NoError(t, err)
	return id
}
