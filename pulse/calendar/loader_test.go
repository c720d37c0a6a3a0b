package calendar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/tock/errors"
	tocktest "github.com/teranos/tock/internal/testing"
)

const sampleYAML = `
calendars:
  - key: us-federal
    name: US Federal
    holidays: ["2026-01-01", "2026-07-03"]
  - key: acme-plant
    tenant: acme
    business_days: [1, 2, 3, 4]
`

func TestParse(t *testing.T) {
	cals, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, cals, 2)

	assert.Equal(t, "US Federal", cals[0].Name)
	assert.Equal(t, DefaultBusinessDays, cals[0].BusinessDays)
	assert.Equal(t, "acme", cals[1].TenantID)
	assert.Equal(t, []int{1, 2, 3, 4}, cals[1].BusinessDays)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("calendars: [ {key: a}, {key: a} ]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate calendar key")

	_, err = Parse([]byte("calendars:\n  - name: nameless\n"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = Parse([]byte("calendars: {"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "calendars.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	store := NewStore(tocktest.CreateTestDB(t))
	svc := NewService(store, zaptest.NewLogger(t).Sugar())

	w, err := NewWatcher(path, svc, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	require.NoError(t, w.Reload(ctx))

	w.Start(ctx)
	defer w.Stop()

	updated := sampleYAML + "  - key: late-addition\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		_, err := store.GetByKey(ctx, "late-addition")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
