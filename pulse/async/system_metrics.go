package async

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/fetchq/errors"
)

// SystemMetrics reports host memory next to coordinator load
type SystemMetrics struct {
	SlotsActive   int     `json:"slots_active"`    // Transfers holding a concurrency slot
	SlotsTotal    int     `json:"slots_total"`     // Configured max running
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsPending   int     `json:"jobs_pending"`    // Jobs waiting for a slot
	JobsRunning   int     `json:"jobs_running"`    // Jobs receiving bytes
	JobsPaused    int     `json:"jobs_paused"`     // Jobs waiting for an allowed network
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics returns current system resource usage
func (c *Coordinator) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	stats := c.Stats()
	return SystemMetrics{
		SlotsActive:   stats.Active,
		SlotsTotal:    stats.MaxRunning,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsPending:   stats.Pending,
		JobsRunning:   stats.Running,
		JobsPaused:    stats.Paused,
	}
}
