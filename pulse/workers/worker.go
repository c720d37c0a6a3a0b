// Package workers tracks the processes that claim and execute runs: their
// capabilities, liveness and concurrency budget.
package workers

import (
	"time"
)

// Status is a worker's availability.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
)

// IsValidStatus returns true if s names a worker status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusOnline, StatusOffline, StatusMaintenance:
		return true
	}
	return false
}

// AnyCapability lets a worker serve every queue and job.
const AnyCapability = "*"

// Worker is a registered executor process.
type Worker struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId,omitempty"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	HeartbeatAt  time.Time `json:"heartbeatAt"`
	Status       Status    `json:"status"`
	MaxParallel  int       `json:"maxParallel"`
	CurrentJobs  int       `json:"currentJobs"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Capacity is how many more runs the worker may take right now.
func (w *Worker) Capacity() int {
	if w.Status != StatusOnline {
		return 0
	}
	if free := w.MaxParallel - w.CurrentJobs; free > 0 {
		return free
	}
	return 0
}

// Serves reports whether the worker may execute work on queue or for jobKey.
func (w *Worker) Serves(queue, jobKey string) bool {
	for _, c := range w.Capabilities {
		if c == AnyCapability || c == queue || (jobKey != "" && c == jobKey) {
			return true
		}
	}
	return false
}

// IsStale reports whether the last heartbeat is older than threshold at now.
func (w *Worker) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.HeartbeatAt) > threshold
}
