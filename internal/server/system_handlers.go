package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemStatus is the /api/system/status payload.
type systemStatus struct {
	Uptime         string  `json:"uptime"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedMB      float64 `json:"mem_used_mb"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
	Strategies     int     `json:"strategies"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	status := systemStatus{
		Uptime:     time.Since(s.startedAt).String(),
		Goroutines: runtime.NumGoroutine(),
		Strategies: len(s.sup.List()),
	}

	// Best-effort hardware metrics; a sandboxed environment may refuse.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemUsedPercent = vm.UsedPercent
		status.MemUsedMB = float64(vm.Used) / (1 << 20)
	}
	if du, err := disk.Usage(s.dataDir); err == nil {
		status.DiskFreeGB = float64(du.Free) / (1 << 30)
	}

	writeJSON(w, http.StatusOK, status)
}
