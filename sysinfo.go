package main

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatus is the host block of the status heartbeat.
type SystemStatus struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedMB      uint64  `json:"mem_used_mb"`
	MemTotalMB     uint64  `json:"mem_total_mb"`
	HostUptimeS    uint64  `json:"host_uptime_s"`
}

// CollectSystemStatus samples host load. A probe that fails just leaves
// its fields zero; status reporting never errors over host telemetry.
func CollectSystemStatus() *SystemStatus {
	st := &SystemStatus{}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemUsedPercent = vm.UsedPercent
		st.MemUsedMB = vm.Used >> 20
		st.MemTotalMB = vm.Total >> 20
	}
	if up, err := host.Uptime(); err == nil {
		st.HostUptimeS = up
	}
	return st
}
