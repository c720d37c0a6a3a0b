// Package server exposes the admin HTTP API: schedules, jobs, runs, workers
// and calendars, plus a websocket stream of run transitions.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/pulse/workers"
)

// Server timeouts
const (
	ReadHeaderTimeout = 10 * time.Second
	ShutdownTimeout   = 10 * time.Second
	maxBodyBytes      = 1 << 20
)

// Deps are the services the API serves. Ticker is optional and only feeds
// /healthz.
type Deps struct {
	DB        *sql.DB
	Schedules *schedule.Service
	Tracker   *async.Tracker
	Workers   *workers.Registry
	Calendars *calendar.Service
	Ticker    *schedule.Ticker
}

// Config configures the listener and CORS
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// TockServer serves the admin API
type TockServer struct {
	db        *sql.DB
	schedules *schedule.Service
	tracker   *async.Tracker
	workers   *workers.Registry
	calendars *calendar.Service
	ticker    *schedule.Ticker
	logger    *zap.SugaredLogger

	cfg        Config
	router     http.Handler
	stream     *runStream
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// NewTockServer wires the router and starts the run stream hub. Call Stop
// to release it.
func NewTockServer(deps Deps, cfg Config, log *zap.SugaredLogger) (*TockServer, error) {
	if deps.Schedules == nil || deps.Tracker == nil || deps.Workers == nil || deps.Calendars == nil {
		return nil, errors.New("server requires schedules, tracker, workers and calendars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TockServer{
		db:        deps.DB,
		schedules: deps.Schedules,
		tracker:   deps.Tracker,
		workers:   deps.Workers,
		calendars: deps.Calendars,
		ticker:    deps.Ticker,
		logger:    log.Named("server"),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.stream = newRunStream(s)
	s.router = s.setupRoutes()

	events := s.tracker.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream.run(ctx, events)
	}()

	s.setState(ServerStateRunning)
	return s, nil
}

// Handler returns the API's root handler
func (s *TockServer) Handler() http.Handler {
	return s.router
}
