package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/teranos/tock/logger"
)

// setupRoutes configures all HTTP handlers
func (s *TockServer) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/schedules/validate", s.handleValidateSchedule)
		r.Get("/schedules/due", s.handleDueSchedules)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Route("/schedules", func(r chi.Router) {
				r.Post("/", s.handleCreateSchedule)
				r.Get("/", s.handleListSchedules)
				r.Get("/{id}", s.handleGetSchedule)
				r.Put("/{id}", s.handleUpdateSchedule)
				r.Delete("/{id}", s.handleDeleteSchedule)
				r.Post("/{id}/enable", s.handleSetEnabled(true))
				r.Post("/{id}/disable", s.handleSetEnabled(false))
				r.Post("/{id}/runs", s.handleTriggerSchedule)
			})
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.handleCreateJob)
				r.Get("/", s.handleListJobs)
				r.Get("/{key}", s.handleGetJob)
				r.Post("/{key}/runs", s.handleEnqueueRun)
			})
		})

		r.Get("/runs/stream", s.handleRunStream)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Post("/workers", s.handleRegisterWorker)
		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers/{id}/heartbeat", s.handleHeartbeat)

		r.Get("/calendars", s.handleListCalendars)
	})

	return r
}

// requestLogger logs one line per request at debug, or warn for 5xx
func (s *TockServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, chimw.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("Request failed", fields...)
			return
		}
		s.logger.Debugw("Request", fields...)
	})
}
