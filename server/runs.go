package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/tock/pulse/async"
)

const maxRunPage = 500

// runListResponse is the body of GET /api/runs
type runListResponse struct {
	Data   []*async.Run `json:"data"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *TockServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status != "" && !async.IsValidStatus(status) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+status)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}
	if limit == 0 || limit > maxRunPage {
		limit = maxRunPage
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeServiceError(w, s.logger, err, "")
		return
	}

	runs, total, err := s.tracker.List(r.Context(), async.RunFilter{
		TenantID:   q.Get("tenant"),
		Status:     async.RunStatus(status),
		ScheduleID: q.Get("scheduleId"),
		JobID:      q.Get("jobId"),
		WorkerID:   q.Get("workerId"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*async.Run{}
	}
	writeJSON(w, http.StatusOK, runListResponse{Data: runs, Total: total, Limit: limit, Offset: offset})
}

func (s *TockServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
