package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
)

// useTempConfig points config and the database at a fresh temp dir.
func useTempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("TOCK_DATABASE_PATH", filepath.Join(dir, "tock.db"))
	t.Chdir(dir)
	am.Reset()
	t.Cleanup(am.Reset)
	return dir
}

func capture(cmd *cobra.Command) *bytes.Buffer {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	return &buf
}

func TestScheduleFlags_Build(t *testing.T) {
	f := scheduleFlags{
		cron:     "0 9 * * 1-5",
		tz:       "EST",
		http:     "https://hooks.example.com/run",
		method:   "PUT",
		headers:  []string{"X-Team=ops", "Authorization=Bearer a=b"},
		payload:  `{"full":true}`,
		calendar: "us-federal",
	}
	sc, err := f.build("weekday-report", "UTC")
	require.NoError(t, err)

	assert.Equal(t, "weekday-report", sc.Name)
	assert.Equal(t, "America/New_York", sc.Timezone)
	assert.True(t, sc.Enabled)
	assert.Equal(t, trigger.Cron{Expression: "0 9 * * 1-5"}, sc.Trigger)
	assert.Equal(t, target.HTTP{
		URL:     "https://hooks.example.com/run",
		Method:  "PUT",
		Headers: map[string]string{"X-Team": "ops", "Authorization": "Bearer a=b"},
	}, sc.Target)
	assert.JSONEq(t, `{"full":true}`, string(sc.Payload))
	assert.Equal(t, "us-federal", sc.Calendar.Key)
}

func TestScheduleFlags_BuildDefaultsAndVariants(t *testing.T) {
	sc, err := scheduleFlags{every: "15m", queue: "inventory.sync", disabled: true}.build("sync", "Europe/Amsterdam")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Amsterdam", sc.Timezone)
	assert.Equal(t, trigger.FixedDelay{Seconds: 900}, sc.Trigger)
	assert.Equal(t, target.Queue{Topic: "inventory.sync"}, sc.Target)
	assert.False(t, sc.Enabled)
	assert.Nil(t, sc.Calendar)

	sc, err = scheduleFlags{at: "2030-01-02T03:04:05Z", event: "ledger.close"}.build("once", "")
	require.NoError(t, err)
	assert.Equal(t, "", sc.Timezone)
	assert.Equal(t, trigger.OneShot{StartAt: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)}, sc.Trigger)

	sc, err = scheduleFlags{rrule: "FREQ=MONTHLY;BYMONTHDAY=-1", event: "ledger.close"}.build("close", "")
	require.NoError(t, err)
	assert.Equal(t, trigger.RecurrenceRule{Rule: "FREQ=MONTHLY;BYMONTHDAY=-1"}, sc.Trigger)
}

func TestScheduleFlags_BuildRejects(t *testing.T) {
	tests := []struct {
		name  string
		flags scheduleFlags
		want  string
	}{
		{"no trigger", scheduleFlags{event: "t"}, "exactly one of --cron, --rrule, --every or --at"},
		{"two triggers", scheduleFlags{cron: "@daily", every: "60", event: "t"}, "exactly one of --cron, --rrule, --every or --at"},
		{"no target", scheduleFlags{cron: "@daily"}, "exactly one of --event, --http or --queue"},
		{"two targets", scheduleFlags{cron: "@daily", event: "t", queue: "q"}, "exactly one of --event, --http or --queue"},
		{"bad timezone", scheduleFlags{cron: "@daily", event: "t", tz: "Mars/Olympus"}, "unknown timezone"},
		{"bad at", scheduleFlags{at: "tomorrow", event: "t"}, "invalid --at"},
		{"bad header", scheduleFlags{cron: "@daily", http: "https://x", headers: []string{"novalue"}}, "invalid --header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.flags.build("x", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEvery(t *testing.T) {
	d, err := parseEvery("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = parseEvery("1h30m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseEvery("1500ms")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = parseEvery("soon")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "cron @daily", describeTrigger(trigger.Cron{Expression: "@daily"}))
	assert.Equal(t, "every 1m30s", describeTrigger(trigger.FixedDelay{Seconds: 90}))
	assert.Equal(t, "-", describeTrigger(nil))
	assert.Equal(t, "POST https://x", describeTarget(target.HTTP{URL: "https://x"}))
	assert.Equal(t, "queue q", describeTarget(target.Queue{Topic: "q"}))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
	assert.Equal(t, "abc", truncate("abc", 3))
}

func TestScheduleCommands_Lifecycle(t *testing.T) {
	useTempConfig(t)
	scheduleTenant = "acme"
	scheduleJSONOut = true
	t.Cleanup(func() { scheduleTenant, scheduleJSONOut = defaultTenant, false })

	addFlags = scheduleFlags{every: "60", event: "inventory.sync"}
	out := capture(scheduleAddCmd)
	require.NoError(t, runScheduleAdd(scheduleAddCmd, []string{"sync"}))

	var created schedule.Schedule
	require.NoError(t, json.Unmarshal(out.Bytes(), &created))
	assert.Equal(t, "acme", created.TenantID)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextFireAt)

	// same name in the same tenant
	err := runScheduleAdd(scheduleAddCmd, []string{"sync"})
	assert.True(t, errors.IsConflictError(err))

	out = capture(scheduleDisableCmd)
	require.NoError(t, runScheduleSetEnabled(scheduleDisableCmd, created.ID, false))
	var disabled schedule.Schedule
	require.NoError(t, json.Unmarshal(out.Bytes(), &disabled))
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextFireAt)

	schedListEnabled, schedListDisabled = false, true
	schedListPage, schedListPageSize = 1, schedule.DefaultPageSize
	t.Cleanup(func() { schedListDisabled = false })
	out = capture(scheduleListCmd)
	require.NoError(t, runScheduleList(scheduleListCmd, nil))
	var page schedule.Page
	require.NoError(t, json.Unmarshal(out.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, created.ID, page.Data[0].ID)

	require.NoError(t, runScheduleRemove(scheduleRemoveCmd, []string{created.ID}))
	err = runScheduleShow(scheduleShowCmd, []string{created.ID})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduleCommands_AddRejectsInvalid(t *testing.T) {
	useTempConfig(t)
	addFlags = scheduleFlags{cron: "not a cron", event: "t"}

	err := runScheduleAdd(scheduleAddCmd, []string{"broken"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduleCommands_ValidatePreview(t *testing.T) {
	useTempConfig(t)
	scheduleJSONOut = true
	t.Cleanup(func() { scheduleJSONOut = false })

	validateFlags = scheduleFlags{every: "1h", http: "https://hooks.example.com"}
	validatePreview = 3
	out := capture(scheduleValidateCmd)
	require.NoError(t, runScheduleValidate(scheduleValidateCmd, nil))

	var res struct {
		Valid         bool        `json:"valid"`
		NextFireTimes []time.Time `json:"nextFireTimes"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Valid)
	require.Len(t, res.NextFireTimes, 3)
	assert.Equal(t, time.Hour, res.NextFireTimes[1].Sub(res.NextFireTimes[0]))
}

func TestJobCommands_AddAndEnqueue(t *testing.T) {
	useTempConfig(t)
	jobTenant = "acme"
	jobJSONOut = true
	t.Cleanup(func() { jobTenant, jobJSONOut = defaultTenant, false })

	jobSpec = async.Job{Queue: "billing", Priority: 2, MaxAttempts: 3, BackoffBaseSec: 10, TimeoutSec: 60}
	jobBackoff = string(async.BackoffExponential)
	jobLimit, jobSLASec = 2, 0
	require.NoError(t, runJobAdd(jobAddCmd, []string{"billing.invoice"}))

	jobRunPayload, jobRunDedupe, jobRunPriority = `{"customer":"c_42"}`, "inv-c_42", 0
	t.Cleanup(func() { jobRunPayload, jobRunDedupe = "", "" })

	out := capture(jobRunCmd)
	require.NoError(t, runJobEnqueue(jobRunCmd, []string{"billing.invoice"}))
	var first async.Run
	require.NoError(t, json.Unmarshal(out.Bytes(), &first))
	assert.Equal(t, async.RunPending, first.Status)
	assert.Equal(t, "billing", first.Queue)
	assert.Equal(t, 2, first.Priority)

	out = capture(jobRunCmd)
	require.NoError(t, runJobEnqueue(jobRunCmd, []string{"billing.invoice"}), "a duplicate dedupe key is not an error")
	var second async.Run
	require.NoError(t, json.Unmarshal(out.Bytes(), &second))
	assert.Equal(t, first.ID, second.ID)

	out = capture(jobListCmd)
	require.NoError(t, runJobList(jobListCmd, nil))
	var jobs []async.Job
	require.NoError(t, json.Unmarshal(out.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].ConcurrencyLimit)
	assert.Equal(t, 2, *jobs[0].ConcurrencyLimit)

	runJSONOut = true
	runStatus = string(async.RunPending)
	t.Cleanup(func() { runJSONOut, runStatus = false, "" })
	runLimit, runOffset = 50, 0
	out = capture(runListCmd)
	require.NoError(t, runRunList(runListCmd, nil))
	var listed struct {
		Data  []async.Run `json:"data"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &listed))
	assert.Equal(t, 1, listed.Total)

	runStatus = "exploded"
	assert.True(t, errors.IsInvalidRequestError(runRunList(runListCmd, nil)))
}

func TestJobCommands_AddRejectsInvalidPolicy(t *testing.T) {
	useTempConfig(t)
	jobSpec = async.Job{Priority: 12, MaxAttempts: 1, TimeoutSec: 60}
	jobBackoff = "linear"

	err := runJobAdd(jobAddCmd, []string{"bad"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, errors.GetAllDetails(err), "Priority must be between 1 and 9")
}

func TestCalendarCommands_Sync(t *testing.T) {
	dir := useTempConfig(t)
	path := filepath.Join(dir, "calendars.yaml")
	writeFile(t, path, `calendars:
  - key: us-federal
    name: US federal holidays
    holidays: ["2026-07-03", "2026-12-25"]
`)

	require.NoError(t, runCalendarSync(calendarSyncCmd, []string{path}))

	calendarJSONOut = true
	t.Cleanup(func() { calendarJSONOut = false })
	out := capture(calendarListCmd)
	require.NoError(t, runCalendarList(calendarListCmd, nil))

	var cals []map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &cals))
	require.Len(t, cals, 1)
	assert.Equal(t, "us-federal", cals[0]["key"])
}

func TestAmCommands_InitSetShow(t *testing.T) {
	dir := useTempConfig(t)
	configPath = filepath.Join(dir, "am.toml")
	t.Cleanup(func() { configPath = "" })

	require.NoError(t, runAmInit(amInitCmd, nil))
	err := runAmInit(amInitCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, runAmSet(amSetCmd, []string{"pulse.batch_limit", "25"}))
	assert.Error(t, runAmSet(amSetCmd, []string{"server.port", "0"}))

	configFormat = "json"
	t.Cleanup(func() { configFormat = "toml" })
	out := capture(amShowCmd)
	require.NoError(t, runAmShow(amShowCmd, nil))
	assert.Contains(t, out.String(), `"Path"`)

	out = capture(amValidateCmd)
	require.NoError(t, runAmValidate(amValidateCmd, nil))
	assert.Contains(t, out.String(), "Configuration is valid")
}

func TestVersionCommand_JSON(t *testing.T) {
	out := capture(VersionCmd)
	VersionCmd.SetArgs([]string{"--json"})
	require.NoError(t, VersionCmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.NotEmpty(t, info["go_version"])
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, []string{"A"}, nil, "Nothing here"))
	assert.Contains(t, buf.String(), "Nothing here")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
