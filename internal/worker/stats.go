package worker

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SampleResourceUsage reads instantaneous CPU and memory utilization for the
// node:stats heartbeat, per spec.md §4.7's overload detector input. Grounded
// on the felixgeelhaar-agent-go sysinfo pack's use of gopsutil for host
// metrics, narrowed here to the two percentages the overload detector needs.
func SampleResourceUsage() (cpuUsage, memUsage float64) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(percents) > 0 {
		cpuUsage = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err == nil && vm != nil {
		memUsage = vm.UsedPercent
	}

	return cpuUsage, memUsage
}
