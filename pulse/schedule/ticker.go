package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/sym"
)

// Ticker polls for due schedules and fires them. Several tickers may poll
// the same database: each firing is claimed by compare-and-swap before any
// side effect, so only one of them dispatches.
type Ticker struct {
	service    *Service
	tracker    *async.Tracker
	workerPool *async.WorkerPool // optional, for host metrics in the ticker line
	interval    time.Duration
	batchLimit  int
	concurrency int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
	lastFired       int
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval    time.Duration // how often to poll for due schedules
	BatchLimit  int           // due schedules fetched per tick
	Concurrency int           // due schedules dispatched at once
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:    1 * time.Second,
		BatchLimit:  100,
		Concurrency: 8,
	}
}

// NewTicker creates a new Pulse ticker. workerPool may be nil.
func NewTicker(service *Service, tracker *async.Tracker, workerPool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultTickerConfig().BatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultTickerConfig().Concurrency
	}
	return &Ticker{
		service:    service,
		tracker:    tracker,
		workerPool: workerPool,
		interval:    cfg.Interval,
		batchLimit:  cfg.BatchLimit,
		concurrency: cfg.Concurrency,
		pulseLog:    logger.AddPulseSymbol(log).Named("ticker"),
		lastFired:   -1,
	}
}

// Start begins the ticker loop under ctx.
func (t *Ticker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started",
		"interval", t.interval, "batch_limit", t.batchLimit, "concurrency", t.concurrency)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			fired, err := t.checkDueSchedules(t.ctx)
			if err != nil && t.ctx.Err() == nil {
				// The cycle is retried on the next tick.
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
			t.logNextScheduleInfo(t.ctx, tickTime, fired)
		}
	}
}

// checkDueSchedules fires up to batchLimit due schedules, at most
// concurrency at a time, and returns how many were dispatched. A persistence
// error stops further schedules from starting and aborts the cycle; dispatch
// failures are recorded per run and do not.
func (t *Ticker) checkDueSchedules(ctx context.Context) (int, error) {
	due, err := t.service.GetSchedulesReadyForExecution(ctx, t.batchLimit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list due schedules")
	}

	var fired atomic.Int64
	var aborted atomic.Bool
	var g errgroup.Group
	g.SetLimit(t.concurrency)

	for _, sc := range due {
		if ctx.Err() != nil || aborted.Load() {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || aborted.Load() {
				return nil
			}
			ok, err := t.fire(ctx, sc)
			if ok {
				fired.Add(1)
			}
			if err != nil {
				aborted.Store(true)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return int(fired.Load()), err
	}
	if err := ctx.Err(); err != nil {
		return int(fired.Load()), err
	}
	return int(fired.Load()), nil
}

// fire executes one schedule and records the attempt as a run. It reports
// whether this ticker won the firing.
func (t *Ticker) fire(ctx context.Context, sc *Schedule) (bool, error) {
	res, err := t.service.ExecuteSchedule(ctx, sc, ExecContext{})
	if err != nil {
		return false, errors.Wrapf(err, "failed to fire schedule %s", sc.ID)
	}
	if res.Conflict {
		return false, nil
	}
	if res.Deferred {
		return true, t.deferFiring(ctx, sc, res)
	}

	run, retry, err := t.tracker.RecordFiring(ctx, async.FiringRecord{
		RunID:         res.RunID,
		TenantID:      res.TenantID,
		ScheduleID:    res.ScheduleID,
		JobID:         res.JobID,
		CorrelationID: res.CorrelationID,
		FiredAt:       res.FiredAt,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
		Payload:       res.Payload,
		Err:           res.Err,
	})
	if err != nil {
		if errors.IsBenign(err) {
			t.pulseLog.Debugw("Firing already recorded",
				logger.FieldScheduleID, sc.ID, logger.FieldRunID, res.RunID, logger.FieldError, err)
			return true, nil
		}
		return true, errors.Wrapf(err, "failed to record firing of schedule %s", sc.ID)
	}

	durationMS := res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	if res.Success {
		t.pulseLog.Infow("Pulse OK",
			logger.FieldScheduleID, sc.ID,
			"schedule", sc.Name,
			logger.FieldRunID, run.ID,
			logger.FieldCorrelationID, res.CorrelationID,
			logger.FieldTarget, string(sc.Target.Kind()),
			logger.FieldLatencyMS, derefInt64(run.LatencyMS),
			logger.FieldDurationMS, durationMS,
			logger.FieldNextFireAt, res.NextFireAt)
		return true, nil
	}

	fields := []interface{}{
		logger.FieldScheduleID, sc.ID,
		"schedule", sc.Name,
		logger.FieldRunID, run.ID,
		logger.FieldCorrelationID, res.CorrelationID,
		logger.FieldTarget, string(sc.Target.Kind()),
		logger.FieldDurationMS, durationMS,
		logger.FieldError, res.Error,
		"error_code", string(async.ClassifyError(res.Err)),
	}
	if details := errors.GetAllDetails(res.Err); len(details) > 0 {
		fields = append(fields, "details", details)
	}
	if retry != nil {
		fields = append(fields, "retry_run_id", retry.ID, "retry_at", retry.ScheduledAt)
	}
	t.pulseLog.Warnw("Pulse FAILED", fields...)
	return true, nil
}

// deferFiring queues a claimed firing whose job is at its concurrency limit.
// The worker pool claims it once a slot frees up.
func (t *Ticker) deferFiring(ctx context.Context, sc *Schedule, res *ExecResult) error {
	run, err := t.tracker.Enqueue(ctx, async.EnqueueRequest{
		RunID:         res.RunID,
		TenantID:      res.TenantID,
		JobID:         res.JobID,
		ScheduleID:    res.ScheduleID,
		DedupeKey:     async.FiringDedupeKey(res.ScheduleID, res.FiredAt),
		CorrelationID: res.CorrelationID,
		ScheduledAt:   res.FiredAt,
		Payload:       res.Payload,
	})
	switch {
	case err == nil:
	case errors.IsBenign(err):
		t.pulseLog.Debugw("Firing already queued",
			logger.FieldScheduleID, sc.ID, logger.FieldRunID, res.RunID, logger.FieldError, err)
		return nil
	case errors.IsInvalidRequestError(err):
		// e.g. the job was disabled after the schedule was bound to it
		t.pulseLog.Warnw("Pulse DROPPED",
			logger.FieldScheduleID, sc.ID, logger.FieldRunID, res.RunID, logger.FieldError, err)
		return nil
	default:
		return errors.Wrapf(err, "failed to queue deferred firing of schedule %s", sc.ID)
	}

	t.pulseLog.Infow("Pulse DEFERRED",
		logger.FieldScheduleID, sc.ID,
		"schedule", sc.Name,
		logger.FieldRunID, run.ID,
		logger.FieldJobID, res.JobID,
		logger.FieldCorrelationID, res.CorrelationID,
		logger.FieldNextFireAt, res.NextFireAt)
	return nil
}

// logNextScheduleInfo logs the time until the next firing, but only when
// the amount of live work or the number of firings changed since last tick.
func (t *Ticker) logNextScheduleInfo(ctx context.Context, now time.Time, fired int) {
	stats, err := t.tracker.Stats(ctx)
	if err != nil {
		t.pulseLog.Debugw("Failed to get run stats", logger.FieldError, err)
		stats = map[async.RunStatus]int{}
	}
	activeWork := stats[async.RunPending] + stats[async.RunRunning]

	t.mu.Lock()
	changed := activeWork != t.lastActiveWork || fired != t.lastFired
	t.lastActiveWork = activeWork
	t.lastFired = fired
	t.mu.Unlock()
	if !changed {
		return
	}

	next, err := t.service.Store().NextDue(ctx)
	if err != nil {
		t.pulseLog.Debugw("Failed to get next due schedule", logger.FieldError, err)
		return
	}

	indicator := pulseIndicator(activeWork)
	if next == nil || next.NextFireAt == nil {
		if activeWork > 0 {
			t.pulseLog.Infow(fmt.Sprintf("%sPulse - no scheduled firings, %d runs active", indicator, activeWork))
		} else {
			t.pulseLog.Infow("Pulse - no scheduled firings")
		}
		return
	}

	until := next.NextFireAt.Sub(now)
	if until < 0 {
		until = 0
	}
	msg := fmt.Sprintf("%sPulse - next firing '%s' in %s", indicator, next.Name, until.Round(time.Second))
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d runs active", activeWork)
	}
	if t.workerPool != nil {
		m := t.workerPool.GetSystemMetrics(ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.MaxParallel, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// pulseIndicator renders one pulse symbol per five live runs, capped at 60.
func pulseIndicator(activeWork int) string {
	if activeWork <= 0 {
		return ""
	}
	n := activeWork/5 + 1
	if n > 60 {
		n = 60
	}
	return strings.TrimSpace(strings.Repeat(sym.Pulse+" ", n)) + " "
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
		"batch_limit":       t.batchLimit,
		"concurrency":       t.concurrency,
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
