package agentclient

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/netpulse-io/netpulse/internal/protocol"
)

// collectResources samples host resource utilization for a
// resource_report frame. Individual probe failures leave the field at
// zero rather than failing the report — a partial snapshot still helps
// the server's load monitor.
func collectResources() protocol.LoadMetrics {
	var metrics protocol.LoadMetrics

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		metrics.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsage = vm.UsedPercent
	}
	if usage, err := disk.Usage("/"); err == nil {
		metrics.DiskUsage = usage.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		metrics.LoadAvg = avg.Load1
	}

	return metrics
}
