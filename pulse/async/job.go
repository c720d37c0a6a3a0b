// Package async tracks run lifecycles and executes claimed runs.
//
// A Run is one attempt at executing a schedule firing or an enqueued job.
// Runs move Pending -> Running -> Succeeded | Failed | Dead, or Pending ->
// Missed when their SLA elapses. Terminal runs are never reopened: a retry is
// a new Pending run with attempt+1 sharing the dedupe key of its lineage.
package async

import (
	"regexp"
	"time"

	"github.com/teranos/tock/errors"
)

// BackoffStrategy selects how retry delay grows with attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

const (
	DefaultQueue    = "default"
	DefaultPriority = 5
	MinPriority     = 1 // most urgent
	MaxPriority     = 9
)

var jobKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

// Job is a reusable execution policy. Schedules and ad-hoc runs reference a
// job for queue, priority, retry, timeout and SLA settings.
type Job struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	Key              string          `json:"key"`
	Queue            string          `json:"queue"`
	Priority         int             `json:"priority"`
	MaxAttempts      int             `json:"maxAttempts"`
	BackoffStrategy  BackoffStrategy `json:"backoffStrategy"`
	BackoffBaseSec   int64           `json:"backoffBaseSec"`
	BackoffMaxSec    *int64          `json:"backoffMaxSec,omitempty"`
	TimeoutSec       int64           `json:"timeoutSec"`
	ConcurrencyLimit *int            `json:"concurrencyLimit,omitempty"`
	SLASec           *int64          `json:"slaSec,omitempty"`
	Enabled          bool            `json:"enabled"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// DefaultPolicy is the policy applied to runs without a job.
func DefaultPolicy(maxAttempts int, timeoutSec int64) *Job {
	return &Job{
		Queue:           DefaultQueue,
		Priority:        DefaultPriority,
		MaxAttempts:     maxAttempts,
		BackoffStrategy: BackoffFixed,
		TimeoutSec:      timeoutSec,
		Enabled:         true,
	}
}

// ApplyDefaults fills zero fields with the defaults the jobs table uses.
func (j *Job) ApplyDefaults() {
	if j.Queue == "" {
		j.Queue = DefaultQueue
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 1
	}
	if j.BackoffStrategy == "" {
		j.BackoffStrategy = BackoffFixed
	}
	if j.TimeoutSec == 0 {
		j.TimeoutSec = 300
	}
}

// Validate returns every policy violation at once.
func (j *Job) Validate() error {
	var problems []string
	if !jobKeyPattern.MatchString(j.Key) {
		problems = append(problems, "Job key must be alphanumeric (with . _ : -)")
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		problems = append(problems, "Priority must be between 1 and 9")
	}
	if j.MaxAttempts < 1 {
		problems = append(problems, "Max attempts must be at least 1")
	}
	if j.BackoffStrategy != BackoffFixed && j.BackoffStrategy != BackoffExponential {
		problems = append(problems, "Backoff strategy must be fixed or exponential")
	}
	if j.BackoffBaseSec < 0 {
		problems = append(problems, "Backoff base must not be negative")
	}
	if j.BackoffMaxSec != nil && *j.BackoffMaxSec < j.BackoffBaseSec {
		problems = append(problems, "Backoff max must be at least the base")
	}
	if j.TimeoutSec <= 0 {
		problems = append(problems, "Timeout must be positive")
	}
	if j.ConcurrencyLimit != nil && *j.ConcurrencyLimit < 1 {
		problems = append(problems, "Concurrency limit must be at least 1")
	}
	if j.SLASec != nil && *j.SLASec <= 0 {
		problems = append(problems, "SLA must be positive")
	}
	if len(problems) == 0 {
		return nil
	}

	err := errors.NewInvalidRequestError("invalid job %q", j.Key)
	for _, p := range problems {
		err = errors.WithDetail(err, p)
	}
	return err
}

// Backoff is the delay before retrying after the given (1-based) attempt failed.
// Fixed returns the base; exponential doubles per attempt, capped at the max.
func (j *Job) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(j.BackoffBaseSec) * time.Second
	if j.BackoffStrategy != BackoffExponential || base == 0 {
		return base
	}

	var ceiling time.Duration
	if j.BackoffMaxSec != nil {
		ceiling = time.Duration(*j.BackoffMaxSec) * time.Second
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
		// guard overflow for pathological attempt counts
		if delay > 365*24*time.Hour {
			delay = 365 * 24 * time.Hour
			break
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// Timeout is the execution deadline for one attempt.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSec) * time.Second
}

// HasAttemptsLeft reports whether a run that just failed attempt may retry.
func (j *Job) HasAttemptsLeft(attempt int) bool {
	return attempt < j.MaxAttempts
}
