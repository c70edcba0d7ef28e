package monitor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the resource use of the observing process itself.
// Event buffers are bounded, so RSS should plateau once every session's
// ring is full; a steady climb points at a leak outside the buffers.
type ProcessInfo struct {
	PID        int       `json:"pid"`
	StartTime  time.Time `json:"startTime"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	Threads    int32     `json:"threads"`
	Goroutines int       `json:"goroutines"`
}

// SelfProcess returns resource figures for the current process.
func SelfProcess() (ProcessInfo, error) {
	pid := os.Getpid()
	info := ProcessInfo{
		PID:        pid,
		Goroutines: runtime.NumGoroutine(),
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, fmt.Errorf("reading process %d: %w", pid, err)
	}

	if created, err := p.CreateTime(); err == nil {
		info.StartTime = time.UnixMilli(created)
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if threads, err := p.NumThreads(); err == nil {
		info.Threads = threads
	}
	return info, nil
}
