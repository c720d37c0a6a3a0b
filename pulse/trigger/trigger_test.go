package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
)

// weekdays accepts Monday through Friday minus explicit holidays.
type weekdays struct {
	holidays map[string]bool
}

func (w weekdays) IsBusinessDay(day time.Time) bool {
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	return !w.holidays[day.Format("2006-01-02")]
}

type never struct{}

func (never) IsBusinessDay(time.Time) bool { return false }

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextFireTime_Cron(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	tests := []struct {
		name string
		expr string
		loc  *time.Location
		ref  time.Time
		want time.Time
	}{
		{
			name: "weekday morning across DST change",
			expr: "0 9 * * 1-5",
			loc:  ny,
			ref:  time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC), // Friday 10:00 EST
			want: time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC), // Monday 09:00 EDT
		},
		{
			name: "seconds field",
			expr: "*/30 * * * * *",
			loc:  time.UTC,
			ref:  time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC),
			want: time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC),
		},
		{
			name: "descriptor",
			expr: "@hourly",
			loc:  time.UTC,
			ref:  time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC),
			want: time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "reference on a match is excluded",
			expr: "0 9 * * *",
			loc:  time.UTC,
			ref:  time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFireTime(Cron{Expression: tt.expr}, tt.loc, tt.ref, nil)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s got %s", tt.want, got)
		})
	}
}

func TestNextFireTime_CronInvalid(t *testing.T) {
	_, err := NextFireTime(Cron{Expression: "not a cron"}, time.UTC, time.Now(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTrigger))
}

func TestNextFireTime_CronStrictlyAfter(t *testing.T) {
	exprs := []string{"* * * * *", "*/5 * * * *", "0 0 * * *", "15 3 1 * *", "0 0 12 * * 1", "@daily"}
	ref := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, expr := range exprs {
		for i := 0; i < 200; i++ {
			at := ref.Add(time.Duration(i*37) * time.Minute)
			got, err := NextFireTime(Cron{Expression: expr}, time.UTC, at, nil)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.True(t, got.After(at), "%s from %s gave %s", expr, at, got)
		}
	}
}

func TestNextFireTime_RecurrenceRule(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	daily := RecurrenceRule{Rule: "FREQ=DAILY;COUNT=3", Anchor: &anchor}

	got, err := NextFireTime(daily, time.UTC, anchor, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC).Equal(*got))

	// COUNT exhausted
	got, err = NextFireTime(daily, time.UTC, time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("evaluated in timezone", func(t *testing.T) {
		berlin := mustLoc(t, "Europe/Berlin")
		monday := time.Date(2026, 1, 5, 8, 0, 0, 0, berlin)
		weekly := RecurrenceRule{Rule: "RRULE:FREQ=WEEKLY;BYDAY=MO", Anchor: &monday}

		got, err := NextFireTime(weekly, berlin, time.Date(2026, 1, 5, 12, 0, 0, 0, berlin), nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, time.Date(2026, 1, 12, 8, 0, 0, 0, berlin).Equal(*got))
	})

	t.Run("until", func(t *testing.T) {
		until := RecurrenceRule{Rule: "FREQ=HOURLY;UNTIL=20260101T120000Z", Anchor: &anchor}
		got, err := NextFireTime(until, time.UTC, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NextFireTime(RecurrenceRule{Rule: "FREQ=SOMETIMES"}, time.UTC, anchor, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTrigger))
	})
}

func TestNextFireTime_FixedDelay(t *testing.T) {
	ref := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	got, err := NextFireTime(FixedDelay{Seconds: 60}, time.UTC, ref, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ref.Add(time.Minute).Equal(*got))

	_, err = NextFireTime(FixedDelay{Seconds: 0}, time.UTC, ref, nil)
	assert.True(t, errors.Is(err, ErrInvalidTrigger))
}

func TestNextFireTime_OneShot(t *testing.T) {
	ref := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	got, err := NextFireTime(OneShot{StartAt: ref.Add(time.Hour)}, time.UTC, ref, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, ref.Add(time.Hour).Equal(*got))

	for _, startAt := range []time.Time{ref, ref.Add(-time.Hour)} {
		got, err := NextFireTime(OneShot{StartAt: startAt}, time.UTC, ref, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestNextFireTime_Calendar(t *testing.T) {
	friday := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("weekend shifts to monday", func(t *testing.T) {
		got, err := NextFireTime(FixedDelay{Seconds: 86400}, time.UTC, friday, weekdays{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC).Equal(*got))
	})

	t.Run("holiday skipped", func(t *testing.T) {
		cal := weekdays{holidays: map[string]bool{"2026-05-04": true}}
		got, err := NextFireTime(FixedDelay{Seconds: 86400}, time.UTC, friday, cal)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC).Equal(*got))
	})

	t.Run("time of day kept in local zone across DST", func(t *testing.T) {
		ny := mustLoc(t, "America/New_York")
		sat := time.Date(2026, 3, 7, 9, 0, 0, 0, ny) // EST
		got, err := NextFireTime(OneShot{StartAt: sat}, ny, sat.Add(-time.Hour), weekdays{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, time.Date(2026, 3, 9, 9, 0, 0, 0, ny).Equal(*got)) // EDT
		assert.Equal(t, 9, got.Hour())
	})

	t.Run("terminated trigger is not shifted", func(t *testing.T) {
		got, err := NextFireTime(OneShot{StartAt: friday}, time.UTC, friday, never{})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("no business day", func(t *testing.T) {
		_, err := NextFireTime(FixedDelay{Seconds: 60}, time.UTC, friday, never{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoBusinessDay))
	})
}

func TestNextFireTime_Deterministic(t *testing.T) {
	ref := time.Date(2026, 7, 14, 6, 30, 0, 0, time.UTC)
	trig := Cron{Expression: "0 */2 * * *"}
	first, err := NextFireTime(trig, time.UTC, ref, weekdays{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := NextFireTime(trig, time.UTC, ref, weekdays{})
		require.NoError(t, err)
		assert.True(t, first.Equal(*again))
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		trigger Trigger
		want    []string
		prefix  string
	}{
		{name: "cron empty", trigger: Cron{}, want: []string{"CRON expression is required"}},
		{name: "cron blank", trigger: Cron{Expression: "   "}, want: []string{"CRON expression is required"}},
		{name: "cron bad", trigger: Cron{Expression: "61 * * * *"}, prefix: "Invalid CRON expression: "},
		{name: "cron ok", trigger: Cron{Expression: "*/5 * * * *"}},
		{name: "rrule empty", trigger: RecurrenceRule{}, want: []string{"RRULE is required"}},
		{name: "rrule bad", trigger: RecurrenceRule{Rule: "FREQ=SOMETIMES"}, prefix: "Invalid RRULE: "},
		{name: "rrule ok", trigger: RecurrenceRule{Rule: "FREQ=WEEKLY;BYDAY=MO,WE"}},
		{name: "rrule exhausted", trigger: RecurrenceRule{Rule: "DTSTART=20260101T090000Z;FREQ=DAILY;COUNT=2"},
			want: []string{"RRULE has no occurrences left"}},
		{name: "delay zero", trigger: FixedDelay{}, want: []string{"Fixed delay must be positive"}},
		{name: "delay negative", trigger: FixedDelay{Seconds: -5}, want: []string{"Fixed delay must be positive"}},
		{name: "delay ok", trigger: FixedDelay{Seconds: 60}},
		{name: "one shot missing", trigger: OneShot{}, want: []string{"Start time is required"}},
		{name: "one shot past", trigger: OneShot{StartAt: now.Add(-time.Minute)}, want: []string{"Start time must be in the future"}},
		{name: "one shot ok", trigger: OneShot{StartAt: now.Add(time.Minute)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.trigger.Validate(now, time.UTC)
			switch {
			case tt.prefix != "":
				require.Len(t, got, 1)
				assert.Contains(t, got[0], tt.prefix)
			default:
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestValidate_RecurrenceRuleUsesZone(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	// floating DTSTART: 06:00 local
	rule := RecurrenceRule{Rule: "DTSTART=20260501T060000;FREQ=DAILY;COUNT=1"}

	assert.Equal(t, []string{"RRULE has no occurrences left"}, rule.Validate(now, time.UTC))
	assert.Empty(t, rule.Validate(now, mustLoc(t, "America/New_York")), "06:00 EDT is 10:00 UTC")
}

func TestRecurrenceRule_Pin(t *testing.T) {
	at := time.Date(2026, 3, 9, 14, 30, 0, 500, time.UTC)

	pinned, ok := RecurrenceRule{Rule: "FREQ=DAILY;COUNT=2"}.Pin(at)
	require.True(t, ok)
	require.NotNil(t, pinned.Anchor)
	assert.True(t, time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC).Equal(*pinned.Anchor))

	again, ok := pinned.Pin(at.Add(time.Hour))
	assert.False(t, ok, "an existing anchor is kept")
	assert.Equal(t, pinned, again)

	_, ok = RecurrenceRule{Rule: "DTSTART=20260101T090000Z;FREQ=DAILY"}.Pin(at)
	assert.False(t, ok, "DTSTART in the rule wins")

	_, ok = RecurrenceRule{Rule: "FREQ=SOMETIMES"}.Pin(at)
	assert.False(t, ok)
}

func TestEnvelope(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, trig := range []Trigger{
		Cron{Expression: "0 9 * * 1-5"},
		RecurrenceRule{Rule: "FREQ=DAILY", Anchor: &anchor},
		FixedDelay{Seconds: 60},
		OneShot{StartAt: anchor},
	} {
		data, err := EncodeJSON(trig)
		require.NoError(t, err)

		back, err := DecodeJSON(data)
		require.NoError(t, err)
		assert.Equal(t, trig.Kind(), back.Kind())
		assert.Equal(t, trig, back)
	}

	_, err := DecodeJSON([]byte(`{"type":"lunar","config":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTrigger))

	_, err = DecodeJSON([]byte(`{"config":{}}`))
	assert.True(t, errors.Is(err, ErrInvalidTrigger))

	_, err = DecodeJSON([]byte(`{"type":"fixed_delay","config":{"seconds":"soon"}}`))
	assert.True(t, errors.Is(err, ErrInvalidTrigger))

	got, err := DecodeJSON([]byte(`{"type":"cron","config":{"expression":"@daily"}}`))
	require.NoError(t, err)
	assert.Equal(t, Cron{Expression: "@daily"}, got)
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	loc, err = LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())

	_, err = LoadLocation("Mars/Olympus")
	assert.Error(t, err)
}
