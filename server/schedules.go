package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/schedule"
)

const maxPreview = 50

// validateResponse is schedule.ValidationResult plus an optional preview
type validateResponse struct {
	schedule.ValidationResult
	NextFireTimes []time.Time `json:"nextFireTimes,omitempty"`
	PreviewError  string      `json:"previewError,omitempty"`
}

// decodeSchedule reads a schedule body. enabled defaults to true when the
// body does not mention it.
func decodeSchedule(w http.ResponseWriter, r *http.Request) (*schedule.Schedule, bool) {
	var raw json.RawMessage
	if !readJSON(w, r, &raw) {
		return nil, false
	}

	var sc schedule.Schedule
	if err := json.Unmarshal(raw, &sc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule", err.Error())
		return nil, false
	}

	var probe struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Enabled == nil {
		sc.Enabled = true
	}
	return &sc, true
}

func (s *TockServer) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	sc, ok := decodeSchedule(w, r)
	if !ok {
		return
	}

	created, err := s.schedules.CreateSchedule(r.Context(), tenant, sc)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to create schedule")
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Schedule created via API",
		logger.FieldTenantID, tenant,
		logger.FieldScheduleID, created.ID,
		"name", created.Name)
	writeJSON(w, http.StatusCreated, created)
}

func (s *TockServer) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}
	pageSize, err := queryInt(r, "pageSize", schedule.DefaultPageSize)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}

	q := r.URL.Query()
	result, err := s.schedules.ListSchedules(r.Context(), chi.URLParam(r, "tenant"), schedule.ListFilter{
		Enabled:  enabled,
		Name:     q.Get("name"),
		Timezone: q.Get("tz"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *TockServer) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *TockServer) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok := decodeSchedule(w, r)
	if !ok {
		return
	}
	sc.ID = chi.URLParam(r, "id")

	updated, err := s.schedules.UpdateSchedule(r.Context(), chi.URLParam(r, "tenant"), sc)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *TockServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, s.logger, err, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *TockServer) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := s.schedules.SetScheduleEnabled(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"), enabled)
		if err != nil {
			writeServiceError(w, s.logger, err, "failed to change schedule state")
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

// handleTriggerSchedule queues an out-of-band run of a schedule. The run is
// dispatched by a worker; the schedule's cadence is untouched.
func (s *TockServer) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	sc, err := s.schedules.GetSchedule(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get schedule")
		return
	}

	req := async.EnqueueRequest{
		TenantID:      sc.TenantID,
		ScheduleID:    sc.ID,
		CorrelationID: r.Header.Get("X-Correlation-Id"),
	}
	if sc.JobID != nil {
		req.JobID = *sc.JobID
	}

	run, err := s.tracker.Enqueue(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to enqueue run")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleValidateSchedule reports every problem with a definition. With
// ?preview=N a valid definition also returns its next N fire times; a
// calendar that cannot be resolved is reported in previewError.
func (s *TockServer) handleValidateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc schedule.Schedule
	if !readJSON(w, r, &sc) {
		return
	}
	n, err := queryInt(r, "preview", 0)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}
	if n > maxPreview {
		n = maxPreview
	}

	resp := validateResponse{ValidationResult: s.schedules.Validate(&sc)}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if resp.Valid && n > 0 {
		times, err := s.schedules.Preview(r.Context(), &sc, n)
		if err != nil {
			resp.PreviewError = err.Error()
		}
		resp.NextFireTimes = times
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *TockServer) handleDueSchedules(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}
	due, err := s.schedules.GetSchedulesReadyForExecution(r.Context(), limit)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list due schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": due, "count": len(due)})
}
