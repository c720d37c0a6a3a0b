package async

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunMissed    RunStatus = "missed"
	RunDead      RunStatus = "dead"
)

// IsValidStatus returns true if the status string is a valid RunStatus
func IsValidStatus(s string) bool {
	switch RunStatus(s) {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunMissed, RunDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunMissed, RunDead:
		return true
	}
	return false
}

// IsLive reports whether the run holds its dedupe key.
func (s RunStatus) IsLive() bool {
	return s == RunPending || s == RunRunning
}

// Run is one execution attempt.
type Run struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	ScheduleID     *string         `json:"scheduleId,omitempty"`
	JobID          *string         `json:"jobId,omitempty"`
	JobKey         string          `json:"jobKey,omitempty"` // joined from jobs, not stored on the run
	Queue          string          `json:"queue"`
	Priority       int             `json:"priority"`
	DedupeKey      *string         `json:"dedupeKey,omitempty"`
	CorrelationID  string          `json:"correlationId"`
	Status         RunStatus       `json:"status"`
	ScheduledAt    time.Time       `json:"scheduledAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	Attempt        int             `json:"attempt"`
	Error          string          `json:"error,omitempty"`
	LatencyMS      *int64          `json:"latencyMs,omitempty"`
	DurationMS     *int64          `json:"durationMs,omitempty"`
	WorkerID       *string         `json:"workerId,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RunEvent is published to subscribers on every transition.
type RunEvent struct {
	Run  *Run      `json:"run"`
	From RunStatus `json:"from,omitempty"` // empty when the run was just created
	At   time.Time `json:"at"`
}

// RunFilter narrows List. Zero values mean "any".
type RunFilter struct {
	TenantID   string
	Status     RunStatus
	ScheduleID string
	JobID      string
	WorkerID   string
	Limit      int
	Offset     int
}

func sinceMS(from, to time.Time) *int64 {
	ms := to.Sub(from).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}
