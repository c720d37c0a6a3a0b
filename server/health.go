package server

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/tock/version"
)

type healthResponse struct {
	Status           string                 `json:"status"`
	Version          string                 `json:"version"`
	Database         string                 `json:"database"`
	EnabledSchedules int                    `json:"enabledSchedules"`
	Runs             map[string]int         `json:"runs"`
	StreamClients    int                    `json:"streamClients"`
	Ticker           map[string]interface{} `json:"ticker,omitempty"`
}

// handleHealth reports 200 while the database answers, 503 otherwise
func (s *TockServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Version:       version.Get().Short(),
		Database:      "ok",
		Runs:          map[string]int{},
		StreamClients: s.stream.clientCount(),
	}
	if s.getState() != ServerStateRunning {
		resp.Status = stateString(s.getState())
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			resp.Status, resp.Database = "degraded", err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	if n, err := s.schedules.Store().CountEnabled(ctx); err == nil {
		resp.EnabledSchedules = n
	}
	if stats, err := s.tracker.Stats(ctx); err == nil {
		for status, n := range stats {
			resp.Runs[string(status)] = n
		}
	}
	if s.ticker != nil {
		resp.Ticker = s.ticker.GetStats()
	}

	writeJSON(w, http.StatusOK, resp)
}
