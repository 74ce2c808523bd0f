// Package hostmetrics reports the worker host's own resource usage,
// surfaced through the worker's /status endpoint so an operator can see
// load pressure alongside reservation state. Grounded on the teacher's cpu/mem sampling idiom in
// internal/cli/ui/ui.go.
package hostmetrics

import (
	"fmt"

	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	psutilmem "github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one host-metrics reading.
type Snapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MountFreeBytes uint64  `json:"mount_free_bytes"`
}

// Collect samples CPU and memory instantaneously and reports free space on
// mountBase, the directory bootloader partitions are mounted under —
// a worker with no free space there cannot flash anything.
func Collect(mountBase string) (Snapshot, error) {
	cpuPercents, err := psutilcpu.Percent(0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vmem, err := psutilmem.VirtualMemory()
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample memory: %w", err)
	}

	usage, err := disk.Usage(mountBase)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample disk usage at %s: %w", mountBase, err)
	}

	return Snapshot{
		CPUPercent:     cpuPercent,
		MemoryPercent:  vmem.UsedPercent,
		MountFreeBytes: usage.Free,
	}, nil
}
