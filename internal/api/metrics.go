package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/devserver/internal/server"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Devices       DeviceMetrics  `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics describes the event stream.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	PendingTickets   int    `json:"pending_tickets"`
	EventsDelivered  uint64 `json:"events_delivered"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// DeviceMetrics describes the served process. Counts are zero while no
// handler is bound.
type DeviceMetrics struct {
	Bound   bool `json:"bound"`
	Devices int  `json:"devices"`
	Polled  int  `json:"polled"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(s.uptime().Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	hub := s.hub.Stats()
	metrics.WebSocket = WSMetrics{
		ConnectedClients: hub.Clients,
		PendingTickets:   s.tickets.pending(),
		EventsDelivered:  hub.Delivered,
		EventsDropped:    hub.Dropped,
	}

	if s.boundHandler() != nil {
		metrics.Devices.Bound = true

		var names []string
		if err := s.adminCommand(r.Context(), server.CmdQueryDevice, nil, &names); err == nil {
			metrics.Devices.Devices = len(names)
		}
		names = nil
		if err := s.adminCommand(r.Context(), server.CmdPolledDevice, nil, &names); err == nil {
			metrics.Devices.Polled = len(names)
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
