package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time resource sample of a transcoder process.
type ProcessStats struct {
	PID            int       `json:"pid"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSSBytes uint64    `json:"memory_rss_bytes"`
	MemoryPercent  float32   `json:"memory_percent"`
	NumThreads     int32     `json:"num_threads"`
	SampledAt      time.Time `json:"sampled_at"`
}

// SampleProcess reads CPU and memory usage for pid. CPU percent is averaged
// over the lifetime of the process.
func SampleProcess(ctx context.Context, pid int) (ProcessStats, error) {
	stats := ProcessStats{PID: pid, SampledAt: time.Now()}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats, fmt.Errorf("opening process %d: %w", pid, err)
	}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSSBytes = mem.RSS
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = pct
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}

	return stats, nil
}
