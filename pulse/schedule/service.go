package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
)

// DefaultDispatchTimeout bounds a single target dispatch.
const DefaultDispatchTimeout = 30 * time.Second

// CalendarResolver looks up a calendar as seen by a tenant.
type CalendarResolver interface {
	Resolve(ctx context.Context, tenantID, key string) (*calendar.Calendar, error)
}

// Dispatcher performs a firing's side effect. *target.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, f target.Firing) error
}

// JobPolicies resolves the job policy bound to a schedule and how many of
// the job's runs are running. *async.Tracker satisfies it.
type JobPolicies interface {
	JobLoad(ctx context.Context, jobID string) (*async.Job, int, error)
}

// ExecContext carries caller-supplied identity for one firing.
type ExecContext struct {
	CorrelationID string
	RunID         string
}

// ExecResult is the outcome of ExecuteSchedule.
type ExecResult struct {
	Success       bool       `json:"success"`
	RunID         string     `json:"runId"`
	CorrelationID string     `json:"correlationId"`
	Error         string     `json:"error,omitempty"`
	NextFireAt    *time.Time `json:"nextFireAt,omitempty"`
	Conflict      bool       `json:"conflict"`
	// Deferred is set when the schedule's job was at its concurrency limit:
	// the firing was claimed but not dispatched, and belongs in the run queue.
	Deferred bool `json:"deferred,omitempty"`

	ScheduleID string    `json:"scheduleId"`
	TenantID   string    `json:"tenantId"`
	JobID      string    `json:"jobId,omitempty"`
	FiredAt    time.Time `json:"firedAt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	// Payload is the body actually dispatched.
	Payload json.RawMessage `json:"-"`
	// Err is the dispatch failure behind Error, kept for classification.
	Err error `json:"-"`
}

// Service owns schedule lifecycle and firing.
type Service struct {
	store           *Store
	calendars       CalendarResolver
	dispatcher      Dispatcher
	jobs            JobPolicies
	logger          *zap.SugaredLogger
	now             func() time.Time
	dispatchTimeout time.Duration
}

// NewService creates a scheduling service. calendars may be nil when no
// schedule references a calendar.
func NewService(store *Store, calendars CalendarResolver, dispatcher Dispatcher, log *zap.SugaredLogger) *Service {
	return &Service{
		store:           store,
		calendars:       calendars,
		dispatcher:      dispatcher,
		logger:          logger.AddPulseSymbol(log).Named("schedule"),
		now:             time.Now,
		dispatchTimeout: DefaultDispatchTimeout,
	}
}

// SetDispatchTimeout overrides DefaultDispatchTimeout.
func (s *Service) SetDispatchTimeout(d time.Duration) {
	if d > 0 {
		s.dispatchTimeout = d
	}
}

// SetJobPolicies makes firings of job-bound schedules honor the job's
// timeout and concurrency limit.
func (s *Service) SetJobPolicies(jobs JobPolicies) {
	s.jobs = jobs
}

// Store exposes the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// Validate checks a schedule definition without persisting it.
func (s *Service) Validate(sc *Schedule) ValidationResult {
	return Validate(sc, s.now())
}

// Preview returns the next n fire times of sc counted from now.
func (s *Service) Preview(ctx context.Context, sc *Schedule, n int) ([]time.Time, error) {
	if res := Validate(sc, s.now()); !res.Valid {
		return nil, errors.Mark(&ValidationError{Messages: res.Errors}, errors.ErrInvalidRequest)
	}
	pinned := *sc
	ref := pinAnchor(&pinned, s.now())
	var out []time.Time
	for i := 0; i < n; i++ {
		next, err := s.nextFireTime(ctx, &pinned, ref)
		if err != nil {
			return out, err
		}
		if next == nil {
			break
		}
		out = append(out, *next)
		ref = *next
	}
	return out, nil
}

// CreateSchedule validates and stores a new schedule for tenantID.
func (s *Service) CreateSchedule(ctx context.Context, tenantID string, sc *Schedule) (*Schedule, error) {
	sc.TenantID = tenantID
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	now := s.now()
	if err := validateForWrite(sc, now); err != nil {
		return nil, err
	}

	ref := pinAnchor(sc, now)
	sc.NextFireAt, sc.LastFireAt = nil, nil
	if sc.Enabled {
		next, err := s.nextFireTime(ctx, sc, ref)
		if err != nil {
			return nil, err
		}
		sc.NextFireAt = next
	}

	if err := s.store.Create(ctx, sc); err != nil {
		return nil, err
	}
	s.logger.Infow("Schedule created",
		logger.FieldScheduleID, sc.ID,
		logger.FieldTenantID, sc.TenantID,
		logger.FieldTrigger, string(sc.Trigger.Kind()),
		logger.FieldTarget, string(sc.Target.Kind()),
		logger.FieldNextFireAt, sc.NextFireAt)
	return sc, nil
}

// UpdateSchedule replaces a schedule's definition. A zero Version means
// "whatever is current"; otherwise a stale version is a concurrency conflict.
// The cadence is kept when timing is unchanged and restarted from now otherwise.
func (s *Service) UpdateSchedule(ctx context.Context, tenantID string, sc *Schedule) (*Schedule, error) {
	existing, err := s.GetSchedule(ctx, tenantID, sc.ID)
	if err != nil {
		return nil, err
	}
	sc.TenantID = existing.TenantID
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.Version == 0 {
		sc.Version = existing.Version
	}
	keepAnchor(existing, sc)
	now := s.now()
	if err := validateForWrite(sc, now); err != nil {
		return nil, err
	}

	ref := pinAnchor(sc, now)
	sc.NextFireAt = nil
	if sc.Enabled {
		if existing.Enabled && existing.NextFireAt != nil && sameCadence(existing, sc) {
			sc.NextFireAt = existing.NextFireAt
		} else {
			next, err := s.nextFireTime(ctx, sc, ref)
			if err != nil {
				return nil, err
			}
			sc.NextFireAt = next
		}
	}

	if err := s.store.Update(ctx, sc); err != nil {
		return nil, err
	}
	s.logger.Infow("Schedule updated",
		logger.FieldScheduleID, sc.ID,
		logger.FieldVersion, sc.Version,
		logger.FieldNextFireAt, sc.NextFireAt)
	return s.store.Get(ctx, sc.ID)
}

// DeleteSchedule logically deletes a schedule.
func (s *Service) DeleteSchedule(ctx context.Context, tenantID, id string) error {
	if _, err := s.GetSchedule(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("Schedule deleted", logger.FieldScheduleID, id, logger.FieldTenantID, tenantID)
	return nil
}

// GetSchedule returns a live schedule. Schedules of other tenants are
// reported as not found; an empty tenantID sees every tenant.
func (s *Service) GetSchedule(ctx context.Context, tenantID, id string) (*Schedule, error) {
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && sc.TenantID != tenantID {
		return nil, errors.NewNotFoundError("schedule not found: %s", id)
	}
	return sc, nil
}

// ListSchedules returns a page of a tenant's schedules.
func (s *Service) ListSchedules(ctx context.Context, tenantID string, f ListFilter) (*Page, error) {
	f.TenantID = tenantID
	return s.store.List(ctx, f)
}

// GetSchedulesReadyForExecution returns up to limit schedules due now.
func (s *Service) GetSchedulesReadyForExecution(ctx context.Context, limit int) ([]*Schedule, error) {
	return s.store.ListDue(ctx, s.now(), limit)
}

// SetScheduleEnabled enables or disables a schedule. Enabling starts a fresh
// cadence from now; disabling clears the next fire time.
func (s *Service) SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) (*Schedule, error) {
	sc, err := s.GetSchedule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	var next *time.Time
	if enabled {
		next, err = s.nextFireTime(ctx, sc, s.now())
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.SetEnabled(ctx, sc.ID, sc.Version, enabled, next); err != nil {
		return nil, err
	}

	s.logger.Infow("Schedule enabled state changed",
		logger.FieldScheduleID, sc.ID,
		"enabled", enabled,
		logger.FieldNextFireAt, next)
	return s.store.Get(ctx, sc.ID)
}

// ExecuteSchedule fires one due schedule: it computes the next fire time,
// claims the firing by compare-and-swap on the version read, and only then
// dispatches to the target. A lost claim returns Conflict without dispatching.
// A schedule bound to a job is dispatched under the job's timeout; when the
// job is at its concurrency limit the claimed firing is returned Deferred
// instead of dispatched. The returned error is reserved for persistence
// failures; dispatch failures are reported in the result.
func (s *Service) ExecuteSchedule(ctx context.Context, sc *Schedule, ec ExecContext) (*ExecResult, error) {
	now := s.now().UTC()
	res := &ExecResult{
		RunID:         ec.RunID,
		CorrelationID: ec.CorrelationID,
		ScheduleID:    sc.ID,
		TenantID:      sc.TenantID,
		JobID:         derefString(sc.JobID),
		FiredAt:       now,
	}
	if res.RunID == "" {
		res.RunID = uuid.NewString()
	}
	if res.CorrelationID == "" {
		res.CorrelationID = uuid.NewString()
	}
	if sc.NextFireAt != nil {
		res.FiredAt = sc.NextFireAt.UTC()
	}

	log := s.logger.With(
		logger.FieldScheduleID, sc.ID,
		logger.FieldRunID, res.RunID,
		logger.FieldCorrelationID, res.CorrelationID)

	var policy *async.Job
	running := 0
	if sc.JobID != nil && s.jobs != nil {
		var err error
		if policy, running, err = s.jobs.JobLoad(ctx, *sc.JobID); err != nil {
			return nil, errors.Wrapf(err, "failed to load job policy of schedule %s", sc.ID)
		}
	}

	next, err := s.nextFireTime(ctx, sc, now)
	if err != nil {
		// The current firing still goes out; the schedule stops advancing
		// until it is edited or re-enabled.
		log.Warnw("Schedule halted: next fire time unavailable", logger.FieldError, err)
		next = nil
	}
	res.NextFireAt = next

	if err := s.store.ClaimFiring(ctx, sc.ID, sc.Version, now, next); err != nil {
		if errors.Is(err, errors.ErrConcurrencyConflict) || errors.IsNotFoundError(err) {
			log.Debugw("Firing already claimed", logger.FieldVersion, sc.Version)
			res.Conflict = true
			return res, nil
		}
		return nil, err
	}
	previous := sc.LastFireAt
	sc.Version++
	sc.LastFireAt = &now
	sc.NextFireAt = next
	res.Payload = resolveSince(sc.Payload, previous)

	if policy != nil && policy.ConcurrencyLimit != nil && running >= *policy.ConcurrencyLimit {
		log.Infow("Job at concurrency limit, deferring firing",
			logger.FieldJobID, policy.ID,
			"running", running,
			"concurrency_limit", *policy.ConcurrencyLimit)
		res.Deferred = true
		return res, nil
	}
	timeout := s.dispatchTimeout
	if policy != nil && policy.Timeout() > 0 && policy.Timeout() < timeout {
		timeout = policy.Timeout()
	}

	res.StartedAt = s.now().UTC()
	res.Err = s.dispatch(ctx, timeout, target.Firing{
		ScheduleID:    sc.ID,
		TenantID:      sc.TenantID,
		RunID:         res.RunID,
		CorrelationID: res.CorrelationID,
		Attempt:       1,
		FiredAt:       res.FiredAt,
		Payload:       res.Payload,
		Target:        sc.Target,
	})
	res.FinishedAt = s.now().UTC()

	if res.Err != nil {
		res.Error = res.Err.Error()
		return res, nil
	}
	res.Success = true
	return res, nil
}

// DispatchRun re-dispatches a schedule-backed retry run to the schedule's
// target. The schedule's cadence is left untouched.
func (s *Service) DispatchRun(ctx context.Context, run *async.Run) error {
	if run.ScheduleID == nil {
		return errors.NewInvalidRequestError("run %s is not bound to a schedule", run.ID)
	}
	sc, err := s.store.Get(ctx, *run.ScheduleID)
	if err != nil {
		return errors.Wrapf(err, "run %s", run.ID)
	}

	payload := run.Payload
	if len(payload) == 0 {
		payload = sc.Payload
	}
	return s.dispatch(ctx, s.dispatchTimeout, target.Firing{
		ScheduleID:    sc.ID,
		TenantID:      sc.TenantID,
		RunID:         run.ID,
		CorrelationID: run.CorrelationID,
		Attempt:       run.Attempt,
		FiredAt:       run.ScheduledAt,
		Payload:       payload,
		Target:        sc.Target,
	})
}

// dispatch bounds the executor call by timeout and turns panics into errors.
func (s *Service) dispatch(ctx context.Context, timeout time.Duration, f target.Firing) (err error) {
	if s.dispatcher == nil {
		return errors.Mark(errors.New("no target dispatcher configured"), errors.ErrServiceUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Mark(errors.Newf("dispatch of run %s panicked: %v", f.RunID, r), errors.ErrExecutor)
			s.logger.Errorw("Target dispatch panicked",
				logger.FieldScheduleID, f.ScheduleID,
				logger.FieldRunID, f.RunID,
				"panic", fmt.Sprint(r))
		}
	}()
	return s.dispatcher.Dispatch(ctx, f)
}

// nextFireTime evaluates the trigger in the schedule's timezone, shifted by
// its calendar when one is referenced.
func (s *Service) nextFireTime(ctx context.Context, sc *Schedule, ref time.Time) (*time.Time, error) {
	loc, err := sc.Location()
	if err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidRequest)
	}

	var cal trigger.Calendar
	if sc.Calendar != nil {
		if s.calendars == nil {
			return nil, errors.Mark(errors.New("calendars are not configured"), errors.ErrServiceUnavailable)
		}
		c, err := s.calendars.Resolve(ctx, sc.TenantID, sc.Calendar.Key)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return nil, errors.NewInvalidRequestError("Calendar not found: %s", sc.Calendar.Key)
			}
			return nil, err
		}
		cal = c
	}

	next, err := trigger.NextFireTime(sc.Trigger, loc, ref, cal)
	if err != nil {
		if errors.Is(err, trigger.ErrInvalidTrigger) || errors.Is(err, trigger.ErrNoBusinessDay) {
			return nil, errors.Mark(err, errors.ErrInvalidRequest)
		}
		return nil, err
	}
	if next != nil {
		utc := next.UTC()
		next = &utc
	}
	return next, nil
}

// pinAnchor fixes an unanchored recurrence rule at now, so COUNT and the
// time of day survive re-evaluation, and returns the reference for the
// schedule's first fire time. For a freshly pinned rule that is just before
// the anchor, making DTSTART itself the first occurrence.
func pinAnchor(sc *Schedule, now time.Time) time.Time {
	rr, ok := sc.Trigger.(trigger.RecurrenceRule)
	if !ok {
		return now
	}
	pinned, ok := rr.Pin(now)
	if !ok {
		return now
	}
	sc.Trigger = pinned
	return pinned.Anchor.Add(-time.Nanosecond)
}

// keepAnchor carries the anchor of an unchanged recurrence rule into an
// update that omits it.
func keepAnchor(existing, sc *Schedule) {
	prev, ok := existing.Trigger.(trigger.RecurrenceRule)
	if !ok || prev.Anchor == nil {
		return
	}
	upd, ok := sc.Trigger.(trigger.RecurrenceRule)
	if !ok || upd.Anchor != nil || upd.Rule != prev.Rule || existing.Timezone != sc.Timezone {
		return
	}
	upd.Anchor = prev.Anchor
	sc.Trigger = upd
}

// sameCadence reports whether b keeps a's timing definition.
func sameCadence(a, b *Schedule) bool {
	if a.Timezone != b.Timezone {
		return false
	}
	if (a.Calendar == nil) != (b.Calendar == nil) {
		return false
	}
	if a.Calendar != nil && a.Calendar.Key != b.Calendar.Key {
		return false
	}
	ta, errA := trigger.EncodeJSON(a.Trigger)
	tb, errB := trigger.EncodeJSON(b.Trigger)
	return errA == nil && errB == nil && bytes.Equal(ta, tb)
}

// resolveSince replaces a top-level "since": "last_run" in the payload with
// the previous firing time, or drops it on the first firing. Other payloads
// are returned unchanged.
func resolveSince(payload json.RawMessage, lastFire *time.Time) json.RawMessage {
	if len(payload) == 0 || !bytes.Contains(payload, []byte(`"last_run"`)) {
		return payload
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	if since, ok := m["since"].(string); !ok || since != "last_run" {
		return payload
	}
	if lastFire != nil {
		m["since"] = lastFire.UTC().Format(time.RFC3339)
	} else {
		delete(m, "since")
	}
	resolved, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return resolved
}
