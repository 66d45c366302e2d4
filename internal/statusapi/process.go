package statusapi

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is the resource usage of the running process.
type ProcessInfo struct {
	PID                int32   `json:"pid"`
	Goroutines         int     `json:"goroutines"`
	Threads            int32   `json:"threads,omitempty"`
	CPUPercent         float64 `json:"cpu_percent"`
	RSSMB              float64 `json:"rss_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system,omitempty"`
}

// getProcessInfo collects ProcessInfo. Fields gopsutil cannot read on this
// platform are left zero.
func getProcessInfo() ProcessInfo {
	info := ProcessInfo{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(info.PID)
	if err != nil {
		return info
	}

	if n, err := proc.NumThreads(); err == nil {
		info.Threads = n
	}
	if pct, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = pct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.RSSMB = float64(memInfo.RSS) / 1024 / 1024

		if vm, err := mem.VirtualMemory(); err == nil && vm != nil && vm.Total > 0 {
			info.PercentageOfSystem = float64(memInfo.RSS) / float64(vm.Total) * 100
		}
	}
	return info
}
