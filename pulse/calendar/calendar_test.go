package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
)

func TestIsBusinessDay(t *testing.T) {
	cal := &Calendar{Key: "us", Holidays: []string{"2026-07-03"}}

	assert.True(t, cal.IsBusinessDay(time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC)))  // Thursday
	assert.False(t, cal.IsBusinessDay(time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC))) // holiday
	assert.False(t, cal.IsBusinessDay(time.Date(2026, 7, 4, 9, 0, 0, 0, time.UTC))) // Saturday

	// Sunday-Thursday week
	gulf := &Calendar{Key: "gulf", BusinessDays: []int{0, 1, 2, 3, 4}}
	assert.True(t, gulf.IsBusinessDay(time.Date(2026, 7, 5, 9, 0, 0, 0, time.UTC)))  // Sunday
	assert.False(t, gulf.IsBusinessDay(time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC))) // Friday
}

func TestIsBusinessDay_UsesLocalDate(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	cal := &Calendar{Key: "jp", Holidays: []string{"2026-05-05"}}
	// 2026-05-04 20:00 UTC is 2026-05-05 05:00 in Tokyo
	instant := time.Date(2026, 5, 4, 20, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsBusinessDay(instant))
	assert.False(t, cal.IsBusinessDay(instant.In(tokyo)))
}

func TestValidate(t *testing.T) {
	c := &Calendar{Key: "ok", Holidays: []string{"2026-12-25"}}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultBusinessDays, c.BusinessDays)

	err := (&Calendar{}).Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = (&Calendar{Key: "bad", Holidays: []string{"25/12/2026"}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid holiday")

	err = (&Calendar{Key: "bad", BusinessDays: []int{1, 7}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid weekday 7")
}
