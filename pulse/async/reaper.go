package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/workers"
)

// ReaperConfig controls how often and how aggressively the reaper runs.
type ReaperConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration // heartbeat age after which a worker goes offline
}

// ReapResult summarizes one reaper pass.
type ReapResult struct {
	StaleWorkers  int
	ReleasedRuns  int
	ExpiredLeases int
	MissedRuns    int
}

// Reaper marks stale workers offline and releases their runs, fails runs
// with expired leases and marks runs that missed their SLA.
type Reaper struct {
	tracker  *Tracker
	registry *workers.Registry
	cfg      ReaperConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper
func NewReaper(tracker *Tracker, registry *workers.Registry, cfg ReaperConfig, log *zap.SugaredLogger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	return &Reaper{
		tracker:  tracker,
		registry: registry,
		cfg:      cfg,
		logger:   logger.AddPulseSymbol(log).Named("reaper"),
		now:      time.Now,
	}
}

// Start begins periodic reaping until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reaper and waits for the current pass to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Errorw("Reaper pass failed", logger.FieldError, err)
			}
		}
	}
}

// RunOnce performs one pass. Each step runs even if an earlier one failed;
// failures are combined into the returned error.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	var errs error
	now := r.now()

	stale, err := r.registry.ReapStale(ctx, now, r.cfg.StaleThreshold)
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stale workers"))
	}
	res.StaleWorkers = len(stale)
	for _, w := range stale {
		n, err := r.tracker.ReleaseWorkerRuns(ctx, w.ID, "worker "+w.Name+" went offline")
		res.ReleasedRuns += n
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "release runs of %s", w.Name))
		}
	}

	n, err := r.tracker.ReapExpiredLeases(ctx, now)
	res.ExpiredLeases = n
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "expired leases"))
	}

	missed, err := r.tracker.MarkMissed(ctx, now)
	res.MissedRuns = len(missed)
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "missed runs"))
	}

	if res != (ReapResult{}) {
		r.logger.Infow("Reaper pass",
			"stale_workers", res.StaleWorkers,
			"released_runs", res.ReleasedRuns,
			"expired_leases", res.ExpiredLeases,
			"missed_runs", res.MissedRuns)
	}
	return res, errs
}
