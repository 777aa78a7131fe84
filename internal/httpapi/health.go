package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type serviceStatus struct {
	Status    string    `json:"status"` // online|offline
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

type hostStats struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := make(map[string]serviceStatus, len(s.deps.Services))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, svc := range s.deps.Services {
		wg.Add(1)
		go func(svc ServiceCheck) {
			defer wg.Done()
			st := serviceStatus{Status: "online"}
			if err := svc.Checker.Health(ctx); err != nil {
				st = serviceStatus{Status: "offline", Error: err.Error()}
			}
			st.LastCheck = time.Now().UTC()
			mu.Lock()
			services[svc.Name] = st
			mu.Unlock()
		}(svc)
	}
	wg.Wait()

	status := "ok"
	for _, st := range services {
		if st.Status != "online" {
			status = "degraded"
		}
	}

	body := map[string]any{
		"status":           status,
		"service":          "edgevoice",
		"timestamp":        time.Now().UTC(),
		"services":         services,
		"devices":          s.deps.Registry.Count(),
		"active_transfers": 0,
		"host":             currentHostStats(),
	}
	if s.deps.Delivery != nil {
		body["active_transfers"] = s.deps.Delivery.ActiveTransfers()
	}
	if s.deps.Ingest != nil {
		body["ingest"] = s.deps.Ingest.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}

func currentHostStats() hostStats {
	var out hostStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out.CPUPercent = &pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.MemoryPercent = &vm.UsedPercent
	}
	return out
}
