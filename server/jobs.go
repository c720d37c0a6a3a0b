package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
)

// enqueueRunRequest is the body of POST /jobs/{key}/runs
type enqueueRunRequest struct {
	Priority      int             `json:"priority,omitempty"`
	DedupeKey     string          `json:"dedupeKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ScheduledAt   *time.Time      `json:"scheduledAt,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (s *TockServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job := async.Job{Enabled: true}
	if !readJSON(w, r, &job) {
		return
	}
	job.ID = ""
	job.TenantID = chi.URLParam(r, "tenant")

	if err := s.tracker.Jobs().Create(r.Context(), &job); err != nil {
		writeServiceError(w, s.logger, err, "failed to create job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *TockServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.tracker.Jobs().List(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": jobs, "count": len(jobs)})
}

func (s *TockServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Jobs().GetByKey(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleEnqueueRun creates an ad-hoc run of a job. A live run holding the
// same dedupe key is returned with 200 instead of a new one with 201.
func (s *TockServer) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var body enqueueRunRequest
	if r.ContentLength != 0 && !readJSON(w, r, &body) {
		return
	}
	if len(body.Payload) > 0 && !json.Valid(body.Payload) {
		writeError(w, http.StatusBadRequest, "Payload must be valid JSON")
		return
	}

	job, err := s.tracker.Jobs().GetByKey(r.Context(), tenant, chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get job")
		return
	}

	req := async.EnqueueRequest{
		TenantID:      tenant,
		JobID:         job.ID,
		Priority:      body.Priority,
		DedupeKey:     body.DedupeKey,
		CorrelationID: firstNonEmpty(body.CorrelationID, r.Header.Get("X-Correlation-Id")),
		Payload:       body.Payload,
	}
	if body.ScheduledAt != nil {
		req.ScheduledAt = *body.ScheduledAt
	}

	run, err := s.tracker.Enqueue(r.Context(), req)
	switch {
	case errors.Is(err, errors.ErrDuplicateDedupe):
		logger.AddPulseSymbol(s.logger).Debugw("Duplicate enqueue returned live run",
			logger.FieldRunID, run.ID, "dedupe_key", body.DedupeKey)
		writeJSON(w, http.StatusOK, run)
	case err != nil:
		writeServiceError(w, s.logger, err, "failed to enqueue run")
	default:
		writeJSON(w, http.StatusCreated, run)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
