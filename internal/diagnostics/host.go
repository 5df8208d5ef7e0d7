package diagnostics

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const gib = 1024 * 1024 * 1024

// HostMetrics is a snapshot of the resources available to the worker
type HostMetrics struct {
	CPULoad         float64 `json:"cpu_load"`
	CPUProcessors   int     `json:"cpu_processors"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	MemoryUsedRatio float64 `json:"memory_used_ratio"`
	DiskTotalGB     float64 `json:"disk_total_gb"`
	DiskUsedRatio   float64 `json:"disk_used_ratio"`
	ProcessRSSGB    float64 `json:"process_rss_gb"`
}

// CollectHostMetrics samples load, memory and disk usage of path.
// Metrics the platform cannot provide are left at zero.
func CollectHostMetrics(ctx context.Context, path string) HostMetrics {
	out := HostMetrics{CPUProcessors: runtime.NumCPU()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemoryTotalGB = float64(vm.Total) / gib
		out.MemoryUsedRatio = vm.UsedPercent / 100.0
	}
	if path == "" {
		path = "/"
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil && du.Total > 0 {
		out.DiskTotalGB = float64(du.Total) / gib
		out.DiskUsedRatio = du.UsedPercent / 100.0
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcessRSSGB = float64(pm.RSS) / gib
		}
	}
	return out
}

// DiskItem fails when the disk holding path is nearly full
func DiskItem(m HostMetrics, path string) Item {
	const id, name = "disk_space", "Disk space"
	if m.DiskTotalGB > 0 && m.DiskUsedRatio >= 0.95 {
		return Fail(id, name, "Disk is more than 95% full: "+path, "Free space for uploads and results.")
	}
	return Pass(id, name, "Enough free space: "+path)
}
