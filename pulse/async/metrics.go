package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/tock/errors"
)

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics is a worker pool's load and host memory snapshot.
type SystemMetrics struct {
	WorkerID      string  `json:"worker_id"`
	WorkersActive int     `json:"workers_active"` // runs executing in this pool
	MaxParallel   int     `json:"max_parallel"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	RunsPending   int     `json:"runs_pending"`
	RunsRunning   int     `json:"runs_running"`
}

// getMemoryStats returns total and available host memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics returns current pool load and host memory usage. Missing
// host or database figures are left at zero.
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / bytesPerGB
		m.MemoryUsedGB = float64(total-available) / bytesPerGB
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}

	if stats, err := wp.tracker.Stats(ctx); err == nil {
		m.RunsPending = stats[RunPending]
		m.RunsRunning = stats[RunRunning]
	}

	wp.mu.Lock()
	m.WorkersActive = wp.active
	if wp.worker != nil {
		m.WorkerID = wp.worker.ID
	}
	wp.mu.Unlock()
	m.MaxParallel = wp.cfg.MaxParallel
	return m
}

// checkMemoryPressure warns when available memory is below a floor per
// parallel slot. Returns "" when memory looks sufficient or is unknown.
func (wp *WorkerPool) checkMemoryPressure() string {
	const memoryPerSlotGB = 0.25

	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return ""
	}
	availableGB := float64(available) / bytesPerGB
	needed := float64(wp.cfg.MaxParallel) * memoryPerSlotGB
	if availableGB < needed {
		return fmt.Sprintf("maxParallel %d may exceed available memory (%.1fGB available, %.1fGB suggested)",
			wp.cfg.MaxParallel, availableGB, needed)
	}
	return ""
}
