package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// SystemStats is the GET /stats response. Runtime figures are process-wide;
// everything else is scoped to the caller's tenant.
type SystemStats struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeStats   `json:"runtime"`
	WebSocket     WSStats        `json:"websocket"`
	Devices       DeviceStats    `json:"devices"`
	Automation    AutomationStat `json:"automation"`
	Bridges       BridgeStats    `json:"bridges"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceStats counts the tenant's devices.
type DeviceStats struct {
	Total      int                       `json:"total"`
	Active     int                       `json:"active"`
	ByVendor   map[capability.Vendor]int `json:"by_vendor"`
	ByLiveness map[device.Liveness]int   `json:"by_liveness"`
}

// AutomationStat counts the tenant's rules and scenes.
type AutomationStat struct {
	Rules  int `json:"rules"`
	Scenes int `json:"scenes"`
}

// BridgeStats counts the tenant's running bridges.
type BridgeStats struct {
	Running int `json:"running"`
}

// ConnectionStats is the GET /stats/connections response.
type ConnectionStats struct {
	Timestamp string           `json:"timestamp"`
	Session   *mqtt.Stats      `json:"session,omitempty"`
	Devices   []DeviceLiveness `json:"devices"`
	Summary   map[string]int   `json:"summary"`
}

// DeviceLiveness is the connection view of one device.
type DeviceLiveness struct {
	DeviceID string            `json:"device_id"`
	Name     string            `json:"name"`
	Vendor   capability.Vendor `json:"vendor"`
	Liveness device.Liveness   `json:"liveness"`
	LastSeen *time.Time        `json:"last_seen,omitempty"`
	Active   bool              `json:"active"`
}

// handleStats returns runtime figures and the tenant's inventory counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := identity(r).TenantID

	devices, err := s.devices.ListByTenant(ctx, tenantID)
	if err != nil {
		s.logger.Error("failed to list devices for stats", "tenant", tenantID, "error", err)
		writeInternalError(w, "failed to collect stats")
		return
	}
	rules, err := s.rules.ListByTenant(ctx, tenantID)
	if err != nil {
		writeInternalError(w, "failed to collect stats")
		return
	}
	scenes, err := s.scenes.ListByTenant(ctx, tenantID)
	if err != nil {
		writeInternalError(w, "failed to collect stats")
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	now := s.clock.Now()
	stats := SystemStats{
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSStats{
			ConnectedClients: s.hub.TenantClientCount(tenantID),
		},
		Devices: DeviceStats{
			Total:      len(devices),
			ByVendor:   make(map[capability.Vendor]int),
			ByLiveness: make(map[device.Liveness]int),
		},
		Automation: AutomationStat{
			Rules:  len(rules),
			Scenes: len(scenes),
		},
	}

	for _, d := range devices {
		stats.Devices.ByVendor[d.Vendor]++
		stats.Devices.ByLiveness[d.Liveness]++
		if s.syncer.IsActive(d.ID) {
			stats.Devices.Active++
		}
	}
	for _, b := range s.bridges.List(tenantID) {
		if b.Running {
			stats.Bridges.Running++
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConnectionStats returns the tenant's broker session counters and the
// liveness of each of its devices.
func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	tenantID := identity(r).TenantID

	devices, err := s.devices.ListByTenant(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("failed to list devices for connection stats", "tenant", tenantID, "error", err)
		writeInternalError(w, "failed to collect connection stats")
		return
	}

	resp := ConnectionStats{
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
		Devices:   make([]DeviceLiveness, 0, len(devices)),
		Summary: map[string]int{
			string(device.LivenessOnline):  0,
			string(device.LivenessOffline): 0,
			"active":                       0,
		},
	}

	if s.mqtt != nil {
		for _, st := range s.mqtt.Stats() {
			if st.Tenant == tenantID {
				resp.Session = &st
				break
			}
		}
	}

	for _, d := range devices {
		active := s.syncer.IsActive(d.ID)
		resp.Devices = append(resp.Devices, DeviceLiveness{
			DeviceID: d.ID,
			Name:     d.Name,
			Vendor:   d.Vendor,
			Liveness: d.Liveness,
			LastSeen: d.LastSeen,
			Active:   active,
		})
		resp.Summary[string(d.Liveness)]++
		if active {
			resp.Summary["active"]++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
