package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/schedule"
)

func TestScheduleAPI_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/tenants/acme/schedules"

	var created schedule.Schedule
	status := f.call(t, http.MethodPost, base, fmt.Sprintf(fixedDelaySchedule, "inventory"), &created)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.TenantID)
	assert.True(t, created.Enabled, "enabled defaults to true")
	assert.NotNil(t, created.NextFireAt)
	assert.EqualValues(t, 1, created.Version)

	var got schedule.Schedule
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, base+"/"+created.ID, nil, &got))
	assert.Equal(t, created.ID, got.ID)
	assert.JSONEq(t, `{"warehouse": "ams"}`, string(got.Payload))

	// another tenant cannot see it
	require.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, "/api/tenants/globex/schedules/"+created.ID, nil, nil))

	var disabled schedule.Schedule
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, base+"/"+created.ID+"/disable", nil, &disabled))
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextFireAt)

	var enabled schedule.Schedule
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, base+"/"+created.ID+"/enable", nil, &enabled))
	assert.True(t, enabled.Enabled)
	assert.NotNil(t, enabled.NextFireAt)

	update := fmt.Sprintf(`{
		"name": "inventory-hourly",
		"version": %d,
		"trigger": {"type": "cron", "config": {"expression": "0 * * * *"}},
		"target": {"type": "queue", "config": {"topic": "inventory"}}
	}`, enabled.Version)
	var updated schedule.Schedule
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPut, base+"/"+created.ID, update, &updated))
	assert.Equal(t, "inventory-hourly", updated.Name)
	assert.Equal(t, enabled.Version+1, updated.Version)

	// replaying the stale version is a conflict
	var conflict errorResponse
	require.Equal(t, http.StatusConflict, f.call(t, http.MethodPut, base+"/"+created.ID, update, &conflict))
	assert.NotEmpty(t, conflict.Error)

	require.Equal(t, http.StatusNoContent, f.call(t, http.MethodDelete, base+"/"+created.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, f.call(t, http.MethodGet, base+"/"+created.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, f.call(t, http.MethodDelete, base+"/"+created.ID, nil, nil))
}

func TestScheduleAPI_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	var resp errorResponse
	status := f.call(t, http.MethodPost, "/api/tenants/acme/schedules", `{
		"trigger": {"type": "cron", "config": {"expression": ""}}
	}`, &resp)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Validation failed", resp.Error)
	assert.Equal(t, []string{"Name is required", "CRON expression is required", "Target is required"}, resp.Details)

	status = f.call(t, http.MethodPost, "/api/tenants/acme/schedules", `{"name": "x", "trigger": {"type": "lunar"}}`, &resp)
	require.Equal(t, http.StatusBadRequest, status)

	status = f.call(t, http.MethodPost, "/api/tenants/acme/schedules", `{not json`, &resp)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid request body", resp.Error)
}

func TestScheduleAPI_DuplicateName(t *testing.T) {
	f := newAPIFixture(t)
	body := fmt.Sprintf(fixedDelaySchedule, "nightly")

	require.Equal(t, http.StatusCreated, f.call(t, http.MethodPost, "/api/tenants/acme/schedules", body, nil))
	require.Equal(t, http.StatusConflict, f.call(t, http.MethodPost, "/api/tenants/acme/schedules", body, nil))
	require.Equal(t, http.StatusCreated, f.call(t, http.MethodPost, "/api/tenants/globex/schedules", body, nil))
}

func TestScheduleAPI_ListPagination(t *testing.T) {
	f := newAPIFixture(t)
	for i := 1; i <= 5; i++ {
		require.Equal(t, http.StatusCreated,
			f.call(t, http.MethodPost, "/api/tenants/acme/schedules", fmt.Sprintf(fixedDelaySchedule, fmt.Sprintf("sync-%d", i)), nil))
	}
	require.Equal(t, http.StatusCreated, f.call(t, http.MethodPost, "/api/tenants/acme/schedules", `{
		"name": "paused", "enabled": false, "timezone": "Asia/Tokyo",
		"trigger": {"type": "cron", "config": {"expression": "@daily"}},
		"target": {"type": "event", "config": {"topic": "t"}}
	}`, nil))

	var page schedule.Page
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/tenants/acme/schedules?name=sync&page=2&pageSize=2", nil, &page))
	assert.Equal(t, schedule.Pagination{Page: 2, PageSize: 2, Total: 5, TotalPages: 3}, page.Pagination)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "sync-3", page.Data[0].Name)

	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/tenants/acme/schedules?enabled=false", nil, &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "paused", page.Data[0].Name)

	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/tenants/acme/schedules?tz=Asia/Tokyo", nil, &page))
	assert.Equal(t, 1, page.Pagination.Total)

	require.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/api/tenants/acme/schedules?enabled=maybe", nil, nil))
	require.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/api/tenants/acme/schedules?page=-1", nil, nil))
}

func TestScheduleAPI_Validate(t *testing.T) {
	f := newAPIFixture(t)

	var res validateResponse
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/schedules/validate", `{
		"trigger": {"type": "cron", "config": {"expression": ""}},
		"target": {"type": "http", "config": {"url": "https://x"}}
	}`, &res))
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"CRON expression is required"}, res.Errors)

	res = validateResponse{}
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/schedules/validate?preview=3", `{
		"timezone": "Europe/Amsterdam",
		"trigger": {"type": "cron", "config": {"expression": "0 9 * * 1-5"}},
		"target": {"type": "queue", "config": {"topic": "reports"}}
	}`, &res))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	require.Len(t, res.NextFireTimes, 3)
	assert.True(t, res.NextFireTimes[0].Before(res.NextFireTimes[1]))
}

func TestScheduleAPI_DueAndTrigger(t *testing.T) {
	f := newAPIFixture(t)

	var created schedule.Schedule
	require.Equal(t, http.StatusCreated,
		f.call(t, http.MethodPost, "/api/tenants/acme/schedules", fmt.Sprintf(fixedDelaySchedule, "manual"), &created))

	var due struct {
		Data  []schedule.Schedule `json:"data"`
		Count int                 `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/schedules/due?limit=10", nil, &due))
	assert.Equal(t, 0, due.Count, "first firing is a minute away")

	var run async.Run
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPost, "/api/tenants/acme/schedules/"+created.ID+"/runs", nil, &run))
	assert.Equal(t, async.RunPending, run.Status)
	require.NotNil(t, run.ScheduleID)
	assert.Equal(t, created.ID, *run.ScheduleID)

	require.Equal(t, http.StatusNotFound, f.call(t, http.MethodPost, "/api/tenants/acme/schedules/missing/runs", nil, nil))
}
