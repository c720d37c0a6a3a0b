package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/workers"
)

type heartbeatRequest struct {
	CurrentJobs int `json:"currentJobs"`
}

func (s *TockServer) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req workers.RegisterRequest
	if !readJSON(w, r, &req) {
		return
	}
	worker, err := s.workers.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to register worker")
		return
	}
	logger.AddWorkerSymbol(s.logger).Infow("Worker registered via API",
		logger.FieldWorkerID, worker.ID, "name", worker.Name)
	writeJSON(w, http.StatusCreated, worker)
}

func (s *TockServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}
	worker, err := s.workers.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.CurrentJobs)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *TockServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	var status *workers.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !workers.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "Invalid status: "+raw)
			return
		}
		st := workers.Status(raw)
		status = &st
	}

	list, err := s.workers.List(r.Context(), status)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list workers")
		return
	}
	if list == nil {
		list = []*workers.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": list, "count": len(list)})
}
