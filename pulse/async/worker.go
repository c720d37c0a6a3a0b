package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/workers"
	"github.com/teranos/tock/sym"
)

// pulseLogger marks opening and closing operations with their symbols.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseClose+" "+msg, keysAndValues...)
}

// WorkerPoolConfig configures one worker process.
type WorkerPoolConfig struct {
	Name              string        `json:"name"`
	TenantID          string        `json:"tenant_id,omitempty"`
	Capabilities      []string      `json:"capabilities"`
	MaxParallel       int           `json:"max_parallel"`
	PollInterval      time.Duration `json:"poll_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	LeaseTTL          time.Duration `json:"lease_ttl"`
	StopTimeout       time.Duration `json:"stop_timeout"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig(name string) WorkerPoolConfig {
	return WorkerPoolConfig{
		Name:              name,
		Capabilities:      []string{workers.AnyCapability},
		MaxParallel:       1,
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		LeaseTTL:          60 * time.Second,
		StopTimeout:       30 * time.Second,
	}
}

// WorkerPool registers as a worker, claims runs up to its capacity and
// executes each under the job's timeout.
type WorkerPool struct {
	tracker  *Tracker
	registry *workers.Registry
	executor *RunExecutor
	cfg      WorkerPoolConfig
	logger   pulseLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	worker  *workers.Worker
	active  int
	started bool
}

// NewWorkerPool creates a worker pool. Call Start to register and begin claiming.
func NewWorkerPool(tracker *Tracker, registry *workers.Registry, executor *RunExecutor, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig(cfg.Name)
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = defaults.MaxParallel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = defaults.Capabilities
	}
	return &WorkerPool{
		tracker:  tracker,
		registry: registry,
		executor: executor,
		cfg:      cfg,
		logger:   pulseLogger{logger.AddPulseSymbol(log).Named("worker")},
	}
}

// Start registers the worker, fails runs orphaned by a previous crash of the
// same worker, and starts the claim/heartbeat loop.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return errors.New("worker pool already started")
	}
	wp.mu.Unlock()

	w, err := wp.registry.Register(ctx, workers.RegisterRequest{
		Name:         wp.cfg.Name,
		TenantID:     wp.cfg.TenantID,
		Capabilities: wp.cfg.Capabilities,
		MaxParallel:  wp.cfg.MaxParallel,
	})
	if err != nil {
		return errors.Wrap(err, "failed to register worker")
	}

	if n, err := wp.tracker.ReleaseWorkerRuns(ctx, w.ID, "worker restarted"); err != nil {
		wp.logger.Warnw("Failed to recover orphaned runs", logger.FieldWorkerID, w.ID, logger.FieldError, err)
	} else if n > 0 {
		wp.logger.Starting("Recovered orphaned runs from previous crash", logger.FieldWorkerID, w.ID, logger.FieldCount, n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning)
	}
	if keys, err := wp.unhandledJobKeys(ctx, w); err != nil {
		wp.logger.Debugw("Failed to check job handlers", logger.FieldError, err)
	} else if len(keys) > 0 {
		wp.logger.Warnw("No handler registered for jobs this worker serves; their enqueued runs will fail",
			logger.FieldWorkerID, w.ID,
			"job_keys", keys)
	}

	wp.mu.Lock()
	wp.worker = w
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.started = true
	wp.mu.Unlock()

	wp.logger.Starting("Worker started",
		logger.FieldWorkerID, w.ID,
		"name", w.Name,
		"capabilities", w.Capabilities,
		"max_parallel", w.MaxParallel)

	wp.wg.Add(1)
	go wp.loop()
	return nil
}

// unhandledJobKeys lists enabled jobs w would claim runs for but has no
// handler for. Runs fired by a schedule go to its target and need none.
func (wp *WorkerPool) unhandledJobKeys(ctx context.Context, w *workers.Worker) ([]string, error) {
	if wp.executor == nil {
		return nil, nil
	}
	jobs, err := wp.tracker.Jobs().ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, j := range jobs {
		if !w.Serves(j.Queue, j.Key) {
			continue
		}
		if wp.executor.handlers == nil || !wp.executor.handlers.Has(j.Key) {
			keys = append(keys, j.Key)
		}
	}
	return keys, nil
}

// Stop cancels in-flight runs, waits up to StopTimeout for them to be
// recorded, and marks the worker offline.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	w := wp.worker
	wp.mu.Unlock()

	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker stopped - all runs recorded", logger.FieldWorkerID, w.ID)
	case <-time.After(wp.cfg.StopTimeout):
		wp.logger.Closing("Worker stop timed out - unrecorded runs will be reaped when their lease expires",
			logger.FieldWorkerID, w.ID, "timeout", wp.cfg.StopTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wp.registry.SetStatus(ctx, w.ID, workers.StatusOffline); err != nil && !db.IsDatabaseClosed(err) {
		wp.logger.Warnw("Failed to mark worker offline", logger.FieldWorkerID, w.ID, logger.FieldError, err)
	}
}

// Worker returns the registered worker, or nil before Start.
func (wp *WorkerPool) Worker() *workers.Worker {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.worker
}

// loop claims and heartbeats from one goroutine, so the reported load never
// lags a claim.
func (wp *WorkerPool) loop() {
	defer wp.wg.Done()

	poll := time.NewTicker(wp.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(wp.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-heartbeat.C:
			wp.heartbeat()
		case <-poll.C:
			if err := wp.claimAndExecute(); err != nil {
				if wp.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker failed to claim runs",
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors", "backoff", backoff)
					select {
					case <-wp.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				continue
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoff = time.Second
		}
	}
}

func (wp *WorkerPool) claimAndExecute() error {
	if wp.ctx.Err() != nil {
		return nil
	}
	runs, err := wp.tracker.Claim(wp.ctx, wp.worker.ID, wp.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	for _, run := range runs {
		wp.mu.Lock()
		wp.active++
		wp.mu.Unlock()

		wp.wg.Add(1)
		go wp.execute(run)
	}
	return nil
}

func (wp *WorkerPool) execute(run *Run) {
	defer wp.wg.Done()
	defer func() {
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	// Bookkeeping must outlive shutdown so the outcome is recorded.
	recordCtx := context.WithoutCancel(wp.ctx)

	timeout, err := wp.tracker.Timeout(recordCtx, run)
	if err != nil {
		wp.record(recordCtx, run, err, 0)
		return
	}

	runCtx, cancel := context.WithTimeout(wp.ctx, timeout)
	runCtx = logger.WithCorrelationID(runCtx, run.CorrelationID)
	start := time.Now()
	err = wp.executor.Execute(runCtx, run)
	cancel()

	if err != nil && wp.ctx.Err() != nil {
		err = errors.Wrap(err, "worker stopped during execution")
	}
	wp.record(recordCtx, run, err, time.Since(start))
}

func (wp *WorkerPool) record(ctx context.Context, run *Run, execErr error, elapsed time.Duration) {
	if execErr == nil {
		if _, err := wp.tracker.Succeed(ctx, run.ID); err != nil {
			wp.logger.Errorw("Failed to record run success", logger.FieldRunID, run.ID, logger.FieldError, err)
			return
		}
		wp.logger.Infow("Pulse OK",
			logger.FieldRunID, run.ID,
			logger.FieldScheduleID, derefString(run.ScheduleID),
			"job_key", run.JobKey,
			logger.FieldAttempt, run.Attempt,
			logger.FieldDurationMS, elapsed.Milliseconds())
		return
	}

	retry, err := wp.tracker.Fail(ctx, run.ID, execErr)
	if err != nil {
		wp.logger.Errorw("Failed to record run failure", logger.FieldRunID, run.ID, logger.FieldError, err)
		return
	}
	fields := []interface{}{
		logger.FieldRunID, run.ID,
		logger.FieldScheduleID, derefString(run.ScheduleID),
		"job_key", run.JobKey,
		logger.FieldAttempt, run.Attempt,
		"code", ClassifyError(execErr),
		logger.FieldError, execErr.Error(),
	}
	if retry != nil {
		fields = append(fields, "retry_at", retry.ScheduledAt)
	}
	wp.logger.Warnw("Pulse FAILED", fields...)
}

func (wp *WorkerPool) heartbeat() {
	wp.mu.Lock()
	active := wp.active
	id := wp.worker.ID
	wp.mu.Unlock()

	if _, err := wp.registry.Heartbeat(wp.ctx, id, active); err != nil {
		if wp.ctx.Err() == nil {
			wp.logger.Warnw("Heartbeat failed", logger.FieldWorkerID, id, logger.FieldError, err)
		}
		return
	}
	if _, err := wp.tracker.RenewLeases(wp.ctx, id, wp.cfg.LeaseTTL); err != nil && wp.ctx.Err() == nil {
		wp.logger.Warnw("Lease renewal failed", logger.FieldWorkerID, id, logger.FieldError, err)
	}

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		wp.logger.Debugw("Heartbeat",
			logger.FieldWorkerID, id,
			"current_jobs", active,
			"memory_percent", float64(total-available)/float64(total)*100)
	}
}
