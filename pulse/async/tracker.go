package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/workers"
)

const (
	// SubscriberChannelBufferSize is the buffer for run event subscribers.
	// Slow subscribers miss events rather than block transitions.
	SubscriberChannelBufferSize = 100

	// DefaultListLimit and MaxListLimit bound List page sizes.
	DefaultListLimit = 50
	MaxListLimit     = 500

	// claimScanLimit bounds how many pending rows one claim inspects.
	claimScanLimit = 200
)

// TrackerConfig sets the policy for runs without a job.
type TrackerConfig struct {
	DefaultMaxAttempts int
	DefaultTimeoutSec  int64
}

// Tracker owns the run state machine. All transitions go through it so that
// retries, worker load and subscribers stay consistent.
type Tracker struct {
	db       *sql.DB
	runs     RunStore
	jobs     *JobStore
	registry *workers.Registry
	defaults *Job
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu          sync.RWMutex
	subscribers []chan RunEvent
}

// NewTracker creates a run tracker
func NewTracker(conn *sql.DB, registry *workers.Registry, cfg TrackerConfig, log *zap.SugaredLogger) *Tracker {
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 1
	}
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = 300
	}
	return &Tracker{
		db:       conn,
		jobs:     NewJobStore(conn),
		registry: registry,
		defaults: DefaultPolicy(cfg.DefaultMaxAttempts, cfg.DefaultTimeoutSec),
		logger:   logger.AddPulseSymbol(log),
		now:      time.Now,
	}
}

// Jobs exposes the job policy store.
func (t *Tracker) Jobs() *JobStore {
	return t.jobs
}

// EnqueueRequest describes a run to create in Pending.
type EnqueueRequest struct {
	RunID         string          `json:"runId,omitempty"` // generated when empty
	TenantID      string          `json:"tenantId"`
	JobID         string          `json:"jobId,omitempty"`
	ScheduleID    string          `json:"scheduleId,omitempty"`
	Queue         string          `json:"queue,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	DedupeKey     string          `json:"dedupeKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ScheduledAt   time.Time       `json:"scheduledAt,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Enqueue inserts a Pending run. If a live run already holds the dedupe key,
// that run is returned together with an error marked ErrDuplicateDedupe.
func (t *Tracker) Enqueue(ctx context.Context, req EnqueueRequest) (*Run, error) {
	policy := t.defaults
	if req.JobID != "" {
		job, err := t.jobs.Get(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		if !job.Enabled {
			return nil, errors.NewInvalidRequestError("job %s is disabled", job.Key)
		}
		policy = job
	}

	now := t.now().UTC()
	run := &Run{
		ID:            firstNonEmpty(req.RunID, uuid.NewString()),
		TenantID:      req.TenantID,
		Queue:         firstNonEmpty(req.Queue, policy.Queue, DefaultQueue),
		Priority:      req.Priority,
		CorrelationID: firstNonEmpty(req.CorrelationID, uuid.NewString()),
		Status:        RunPending,
		ScheduledAt:   req.ScheduledAt.UTC(),
		Attempt:       1,
		Payload:       req.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduledAt.IsZero() {
		run.ScheduledAt = now
	}
	if run.Priority == 0 {
		run.Priority = policy.Priority
	}
	if run.Priority < MinPriority || run.Priority > MaxPriority {
		return nil, errors.NewInvalidRequestError("priority must be between 1 and 9, got %d", run.Priority)
	}
	if req.JobID != "" {
		run.JobID = &req.JobID
	}
	if req.ScheduleID != "" {
		run.ScheduleID = &req.ScheduleID
	}
	if req.DedupeKey != "" {
		run.DedupeKey = &req.DedupeKey
	}

	if err := t.runs.insert(ctx, t.db, run); err != nil {
		if db.IsUniqueViolation(err) && run.DedupeKey != nil {
			existing, getErr := t.runs.liveByDedupeKey(ctx, t.db, *run.DedupeKey)
			if getErr != nil {
				return nil, errors.Wrapf(getErr, "dedupe key %s collided", *run.DedupeKey)
			}
			return existing, errors.Mark(
				errors.Newf("run %s already holds dedupe key %s", existing.ID, *run.DedupeKey),
				errors.ErrDuplicateDedupe)
		}
		return nil, errors.WithDetail(errors.Wrap(err, "failed to enqueue run"), fmt.Sprintf("Run ID: %s", run.ID))
	}

	t.logger.Debugw("Run enqueued",
		logger.FieldRunID, run.ID,
		"queue", run.Queue,
		"priority", run.Priority,
		"scheduled_at", run.ScheduledAt)
	t.notify(newEvent(run, "", now))
	return run, nil
}

// JobLoad returns a job's policy together with how many of its runs are
// currently running.
func (t *Tracker) JobLoad(ctx context.Context, jobID string) (*Job, int, error) {
	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	n, err := t.runs.count(ctx, t.db, `WHERE r.status = 'running' AND r.job_id = ?`, jobID)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "job %s", job.Key)
	}
	return job, n, nil
}

// FiringRecord is the outcome of an inline schedule dispatch.
type FiringRecord struct {
	RunID         string
	TenantID      string
	ScheduleID    string
	JobID         string
	CorrelationID string
	FiredAt       time.Time // the scheduled fire time
	StartedAt     time.Time
	FinishedAt    time.Time
	Payload       json.RawMessage
	Err           error
}

// FiringDedupeKey identifies one firing of a schedule across retries.
func FiringDedupeKey(scheduleID string, firedAt time.Time) string {
	return "schedule:" + scheduleID + ":" + db.FormatTime(firedAt)
}

// RecordFiring stores an inline dispatch as a Running run and finishes it
// through the state machine: success, or failure with retry/dead handling.
// It returns the recorded run and the retry run, if one was scheduled.
func (t *Tracker) RecordFiring(ctx context.Context, rec FiringRecord) (*Run, *Run, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.NewString()
	}
	started := rec.StartedAt.UTC()
	finished := rec.FinishedAt.UTC()
	if rec.StartedAt.IsZero() {
		started = t.now().UTC()
	}
	if rec.FinishedAt.IsZero() {
		finished = started
	}

	dedupe := FiringDedupeKey(rec.ScheduleID, rec.FiredAt)
	run := &Run{
		ID:            rec.RunID,
		TenantID:      rec.TenantID,
		Queue:         DefaultQueue,
		Priority:      DefaultPriority,
		DedupeKey:     &dedupe,
		CorrelationID: firstNonEmpty(rec.CorrelationID, uuid.NewString()),
		Status:        RunRunning,
		ScheduledAt:   rec.FiredAt.UTC(),
		StartedAt:     &started,
		Attempt:       1,
		LatencyMS:     sinceMS(rec.FiredAt, started),
		Payload:       rec.Payload,
		CreatedAt:     started,
		UpdatedAt:     started,
	}
	if rec.ScheduleID != "" {
		run.ScheduleID = &rec.ScheduleID
	}
	if rec.JobID != "" {
		run.JobID = &rec.JobID
	}

	var retry *Run
	var events []RunEvent
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		policy, err := t.policyFor(ctx, tx, run)
		if err != nil {
			return err
		}
		run.Queue = policy.Queue
		run.Priority = policy.Priority

		if err := t.runs.insert(ctx, tx, run); err != nil {
			if db.IsUniqueViolation(err) {
				return errors.Mark(errors.Newf("firing %s already recorded", dedupe), errors.ErrDuplicateDedupe)
			}
			return errors.Wrapf(err, "failed to record firing of schedule %s", rec.ScheduleID)
		}
		events = append(events, newEvent(run, "", started))

		if rec.Err == nil {
			if err := t.runs.finish(ctx, tx, run, RunRunning, RunSucceeded, finished, ""); err != nil {
				return err
			}
			events = append(events, newEvent(run, RunRunning, finished))
			return nil
		}

		retry, err = t.failTx(ctx, tx, run, policy, rec.Err.Error(), finished)
		if err != nil {
			return err
		}
		events = append(events, newEvent(run, RunRunning, finished))
		if retry != nil {
			events = append(events, newEvent(retry, "", finished))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	t.notify(events...)
	return run, retry, nil
}

// Claim moves due Pending runs to Running for the worker, up to its free
// capacity, honoring capabilities and per-job concurrency limits. Each
// claimed run gets a lease of max(job timeout, leaseTTL).
func (t *Tracker) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) ([]*Run, error) {
	now := t.now().UTC()
	var claimed []*Run

	err := t.withTx(ctx, func(tx *sql.Tx) error {
		w, err := t.registry.GetTx(ctx, tx, workerID)
		if err != nil {
			return err
		}
		capacity := w.Capacity()
		if capacity == 0 {
			return nil
		}

		candidates, err := t.runs.query(ctx, tx, `
			WHERE r.status = 'pending' AND r.scheduled_at <= ?
			ORDER BY r.priority, r.scheduled_at, r.created_at
			LIMIT ?`, db.FormatTime(now), claimScanLimit)
		if err != nil {
			return err
		}

		policies := make(map[string]*Job)
		running := make(map[string]int)
		for _, run := range candidates {
			if len(claimed) == capacity {
				break
			}
			if !w.Serves(run.Queue, run.JobKey) {
				continue
			}

			policy := t.defaults
			if run.JobID != nil {
				var ok bool
				if policy, ok = policies[*run.JobID]; !ok {
					if policy, err = getJob(ctx, tx, *run.JobID); err != nil {
						return err
					}
					policies[*run.JobID] = policy
					if policy.ConcurrencyLimit != nil {
						n, err := t.runs.count(ctx, tx, `WHERE r.status = 'running' AND r.job_id = ?`, *run.JobID)
						if err != nil {
							return err
						}
						running[*run.JobID] = n
					}
				}
				if !policy.Enabled {
					continue
				}
				if policy.ConcurrencyLimit != nil && running[*run.JobID] >= *policy.ConcurrencyLimit {
					continue
				}
			}

			lease := leaseTTL
			if policy.Timeout() > lease {
				lease = policy.Timeout()
			}
			ok, err := t.runs.markStarted(ctx, tx, run, w.ID, now, now.Add(lease))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if run.JobID != nil {
				running[*run.JobID]++
			}
			claimed = append(claimed, run)
		}

		if len(claimed) == 0 {
			return nil
		}
		return t.registry.AdjustLoad(ctx, tx, w.ID, len(claimed))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim runs for worker %s", workerID)
	}

	if len(claimed) > 0 {
		t.logger.Infow("Runs claimed",
			logger.FieldWorkerID, workerID,
			logger.FieldCount, len(claimed))
		for _, run := range claimed {
			t.notify(newEvent(run, RunPending, now))
		}
	}
	return claimed, nil
}

// Succeed moves a Running run to Succeeded.
func (t *Tracker) Succeed(ctx context.Context, runID string) (*Run, error) {
	now := t.now().UTC()
	var run *Run
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if run, err = t.runs.get(ctx, tx, runID); err != nil {
			return err
		}
		if err := t.runs.finish(ctx, tx, run, RunRunning, RunSucceeded, now, ""); err != nil {
			return err
		}
		return t.releaseLoad(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}

	t.logger.Infow("Run succeeded",
		logger.FieldRunID, run.ID,
		logger.FieldAttempt, run.Attempt,
		logger.FieldDurationMS, derefInt64(run.DurationMS))
	t.notify(newEvent(run, RunRunning, now))
	return run, nil
}

// Fail moves a Running run to Failed and schedules a retry at
// now + backoff(attempt) while attempts remain; otherwise the run is Dead.
// The retry run, if any, is returned.
func (t *Tracker) Fail(ctx context.Context, runID string, cause error) (*Run, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := t.now().UTC()

	var run, retry *Run
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if run, err = t.runs.get(ctx, tx, runID); err != nil {
			return err
		}
		policy, err := t.policyFor(ctx, tx, run)
		if err != nil {
			return err
		}
		if retry, err = t.failTx(ctx, tx, run, policy, msg, now); err != nil {
			return err
		}
		return t.releaseLoad(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}

	t.notify(newEvent(run, RunRunning, now))
	if retry != nil {
		t.notify(newEvent(retry, "", now))
	}
	return retry, nil
}

// failTx finishes run as Failed (+ retry) or Dead inside tx.
func (t *Tracker) failTx(ctx context.Context, tx *sql.Tx, run *Run, policy *Job, msg string, now time.Time) (*Run, error) {
	if !policy.HasAttemptsLeft(run.Attempt) {
		if err := t.runs.finish(ctx, tx, run, RunRunning, RunDead, now, msg); err != nil {
			return nil, err
		}
		t.logger.Warnw("Run dead (attempts exhausted)",
			logger.FieldRunID, run.ID,
			logger.FieldAttempt, run.Attempt,
			"max_attempts", policy.MaxAttempts,
			logger.FieldError, msg)
		return nil, nil
	}

	if err := t.runs.finish(ctx, tx, run, RunRunning, RunFailed, now, msg); err != nil {
		return nil, err
	}

	delay := policy.Backoff(run.Attempt)
	retry := &Run{
		ID:            uuid.NewString(),
		TenantID:      run.TenantID,
		ScheduleID:    run.ScheduleID,
		JobID:         run.JobID,
		JobKey:        run.JobKey,
		Queue:         run.Queue,
		Priority:      run.Priority,
		DedupeKey:     run.DedupeKey,
		CorrelationID: run.CorrelationID,
		Status:        RunPending,
		ScheduledAt:   now.Add(delay),
		Attempt:       run.Attempt + 1,
		Payload:       run.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.runs.insert(ctx, tx, retry); err != nil {
		return nil, errors.Wrapf(err, "failed to schedule retry of run %s", run.ID)
	}

	t.logger.Infow("Retry scheduled",
		logger.FieldRunID, run.ID,
		"retry_run_id", retry.ID,
		logger.FieldAttempt, retry.Attempt,
		"max_attempts", policy.MaxAttempts,
		"backoff", delay,
		logger.FieldError, msg)
	return retry, nil
}

// MarkMissed moves Pending runs whose job SLA elapsed before they started to
// Missed. Missed runs are not retried.
func (t *Tracker) MarkMissed(ctx context.Context, now time.Time) ([]*Run, error) {
	now = now.UTC()
	var missed []*Run
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := t.runs.query(ctx, tx, `WHERE r.status = 'pending' AND j.sla_seconds IS NOT NULL`)
		if err != nil {
			return err
		}
		policies := make(map[string]*Job)
		for _, run := range candidates {
			policy, ok := policies[*run.JobID]
			if !ok {
				if policy, err = getJob(ctx, tx, *run.JobID); err != nil {
					return err
				}
				policies[*run.JobID] = policy
			}
			sla := time.Duration(*policy.SLASec) * time.Second
			if !now.After(run.ScheduledAt.Add(sla)) {
				continue
			}
			msg := fmt.Sprintf("SLA of %s missed", sla)
			if err := t.runs.finish(ctx, tx, run, RunPending, RunMissed, now, msg); err != nil {
				if errors.Is(err, errors.ErrConcurrencyConflict) {
					continue
				}
				return err
			}
			missed = append(missed, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, run := range missed {
		t.logger.Warnw("Run missed SLA",
			logger.FieldRunID, run.ID,
			logger.FieldJobID, derefString(run.JobID),
			"scheduled_at", run.ScheduledAt)
		t.notify(newEvent(run, RunPending, now))
	}
	return missed, nil
}

// RenewLeases extends the lease of every run the worker holds to now + ttl.
func (t *Tracker) RenewLeases(ctx context.Context, workerID string, ttl time.Duration) (int64, error) {
	now := t.now().UTC()
	return t.runs.renewLeases(ctx, t.db, workerID, now, now.Add(ttl))
}

// ReapExpiredLeases fails every Running run whose lease expired before now.
// Expiry counts as a failed attempt.
func (t *Tracker) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	expired, err := t.runs.query(ctx, t.db, `WHERE r.status = 'running' AND r.lease_expires_at < ?`, db.FormatTime(now))
	if err != nil {
		return 0, err
	}
	return t.failAll(ctx, expired, "lease expired")
}

// ReleaseWorkerRuns fails the in-flight runs of a worker that went away so
// their retries become claimable by other workers.
func (t *Tracker) ReleaseWorkerRuns(ctx context.Context, workerID, reason string) (int, error) {
	held, err := t.runs.query(ctx, t.db, `WHERE r.status = 'running' AND r.worker_id = ?`, workerID)
	if err != nil {
		return 0, err
	}
	return t.failAll(ctx, held, reason)
}

func (t *Tracker) failAll(ctx context.Context, runs []*Run, reason string) (int, error) {
	var errs error
	failed := 0
	for _, run := range runs {
		if _, err := t.Fail(ctx, run.ID, errors.New(reason)); err != nil {
			if errors.IsBenign(err) {
				continue
			}
			errs = errors.CombineErrors(errs, err)
			continue
		}
		failed++
		t.logger.Warnw("Run released",
			logger.FieldRunID, run.ID,
			logger.FieldWorkerID, derefString(run.WorkerID),
			"reason", reason)
	}
	return failed, errs
}

// Timeout is the execution deadline of one attempt of run.
func (t *Tracker) Timeout(ctx context.Context, run *Run) (time.Duration, error) {
	policy, err := t.policyFor(ctx, t.db, run)
	if err != nil {
		return 0, err
	}
	return policy.Timeout(), nil
}

// Get retrieves a run by ID
func (t *Tracker) Get(ctx context.Context, id string) (*Run, error) {
	return t.runs.get(ctx, t.db, id)
}

// List returns a page of runs, newest first, and the total matching count.
func (t *Tracker) List(ctx context.Context, f RunFilter) ([]*Run, int, error) {
	if f.Status != "" && !IsValidStatus(string(f.Status)) {
		return nil, 0, errors.NewInvalidRequestError("invalid run status %q", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := filterClause(f)
	total, err := t.runs.count(ctx, t.db, where, args...)
	if err != nil {
		return nil, 0, err
	}
	runs, err := t.runs.query(ctx, t.db, where+`ORDER BY r.created_at DESC, r.id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// Stats counts runs per status.
func (t *Tracker) Stats(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count runs by status")
	}
	defer rows.Close()

	stats := make(map[RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan run stats")
		}
		stats[RunStatus(status)] = n
	}
	return stats, errors.Wrap(rows.Err(), "failed to iterate run stats")
}

// Subscribe returns a channel that receives every run transition.
func (t *Tracker) Subscribe() chan RunEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan RunEvent, SubscriberChannelBufferSize)
	t.subscribers = append(t.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (t *Tracker) Unsubscribe(ch chan RunEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subscribers {
		if sub == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			return
		}
	}
}

func (t *Tracker) notify(events ...RunEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ev := range events {
		for _, ch := range t.subscribers {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// newEvent snapshots run so later transitions don't alter queued events.
func newEvent(run *Run, from RunStatus, at time.Time) RunEvent {
	snapshot := *run
	return RunEvent{Run: &snapshot, From: from, At: at}
}

func (t *Tracker) policyFor(ctx context.Context, ex db.Execer, run *Run) (*Job, error) {
	if run.JobID == nil {
		return t.defaults, nil
	}
	job, err := getJob(ctx, ex, *run.JobID)
	if err != nil {
		return nil, err
	}
	run.JobKey = job.Key
	return job, nil
}

func (t *Tracker) releaseLoad(ctx context.Context, ex db.Execer, run *Run) error {
	if run.WorkerID == nil {
		return nil
	}
	err := t.registry.AdjustLoad(ctx, ex, *run.WorkerID, -1)
	if errors.IsNotFoundError(err) {
		return nil
	}
	return err
}

func (t *Tracker) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
