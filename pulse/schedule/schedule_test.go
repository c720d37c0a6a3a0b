package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
)

func TestValidate_EmptyCron(t *testing.T) {
	res := Validate(&Schedule{
		Trigger: trigger.Cron{Expression: ""},
		Target:  target.HTTP{URL: "https://x"},
	}, t0)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{"CRON expression is required"}, res.Errors)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	res := Validate(&Schedule{
		Timezone: "Mars/Olympus_Mons",
		Payload:  json.RawMessage(`{not json`),
		Calendar: &CalendarRef{Key: " "},
	}, t0)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{
		"Invalid timezone: Mars/Olympus_Mons",
		"Trigger is required",
		"Target is required",
		"Payload must be valid JSON",
		"Calendar key is required",
	}, res.Errors)
}

func TestValidate_Valid(t *testing.T) {
	res := Validate(&Schedule{
		Timezone: "Europe/Amsterdam",
		Trigger:  trigger.Cron{Expression: "0 9 * * 1-5"},
		Target:   target.Queue{Topic: "reports"},
		Payload:  json.RawMessage(`{"report":"daily"}`),
	}, t0)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateForWrite_RequiresName(t *testing.T) {
	err := validateForWrite(&Schedule{
		Trigger: trigger.FixedDelay{Seconds: 0},
		Target:  target.Event{Topic: "t"},
	}, t0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"Name is required", "Fixed delay must be positive"}, verr.Messages)
}

func TestSchedule_JSON(t *testing.T) {
	body := `{
		"name": "nightly",
		"timezone": "America/New_York",
		"trigger": {"type": "cron", "config": {"expression": "0 2 * * *"}},
		"target": {"type": "http", "config": {"url": "https://hooks.example.com/run", "method": "put"}},
		"payload": {"full": true},
		"calendar": {"key": "us-federal"},
		"enabled": true
	}`

	var sc Schedule
	require.NoError(t, json.Unmarshal([]byte(body), &sc))
	assert.Equal(t, "nightly", sc.Name)
	assert.Equal(t, trigger.Cron{Expression: "0 2 * * *"}, sc.Trigger)
	assert.Equal(t, target.HTTP{URL: "https://hooks.example.com/run", Method: "put"}, sc.Target)
	assert.JSONEq(t, `{"full": true}`, string(sc.Payload))
	assert.Equal(t, "us-federal", sc.Calendar.Key)
	assert.True(t, sc.Enabled)

	out, err := json.Marshal(sc)
	require.NoError(t, err)
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &generic))
	assert.Equal(t, "cron", generic["trigger"].(map[string]interface{})["type"])
	assert.Equal(t, "http", generic["target"].(map[string]interface{})["type"])
}

func TestSchedule_JSONMissingParts(t *testing.T) {
	var sc Schedule
	require.NoError(t, json.Unmarshal([]byte(`{"name": "x", "trigger": {"type": "", "config": null}}`), &sc))
	assert.Nil(t, sc.Trigger)
	assert.Nil(t, sc.Target)

	res := Validate(&sc, t0)
	assert.Equal(t, []string{"Trigger is required", "Target is required"}, res.Errors)

	err := json.Unmarshal([]byte(`{"trigger": {"type": "lunar"}}`), &sc)
	assert.True(t, errors.Is(err, trigger.ErrInvalidTrigger))
}

func TestResolveSince(t *testing.T) {
	last := time.Date(2026, 3, 8, 2, 0, 0, 0, time.UTC)

	got := resolveSince(json.RawMessage(`{"since":"last_run","limit":10}`), &last)
	assert.JSONEq(t, `{"since":"2026-03-08T02:00:00Z","limit":10}`, string(got))

	got = resolveSince(json.RawMessage(`{"since":"last_run"}`), nil)
	assert.JSONEq(t, `{}`, string(got))

	untouched := json.RawMessage(`{"note":"last_run"}`)
	assert.Equal(t, untouched, resolveSince(untouched, &last))
}
