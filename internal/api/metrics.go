package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/aromalink-core/internal/device"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	Push          PushMetrics    `json:"push"`
	Devices       DeviceMetrics  `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// MQTTMetrics contains MQTT bridge statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// PushMetrics contains push connection counters.
type PushMetrics struct {
	State          string            `json:"state"`
	Attempts       uint64            `json:"attempts"`
	Connects       uint64            `json:"connects"`
	Losses         uint64            `json:"losses"`
	GaveUp         bool              `json:"gave_up"`
	HeartbeatsSent uint64            `json:"heartbeats_sent"`
	Malformed      uint64            `json:"malformed"`
	Messages       map[string]uint64 `json:"messages"`
}

// DeviceMetrics contains reconciler statistics.
type DeviceMetrics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	StaleDiscarded uint64         `json:"stale_discarded"`
	LocalFlips     uint64         `json:"local_flips"`
	LastSync       string         `json:"last_sync,omitempty"`
	SyncError      string         `json:"sync_error,omitempty"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.core.Stats()

	// Build metrics response
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Push: PushMetrics{
			State:          string(stats.Push.State),
			Attempts:       stats.Push.Attempts,
			Connects:       stats.Push.Connects,
			Losses:         stats.Push.Losses,
			GaveUp:         stats.Push.GaveUp,
			HeartbeatsSent: stats.Push.HeartbeatsSent,
			Malformed:      stats.Push.Malformed,
			Messages:       make(map[string]uint64, len(stats.Push.Messages)),
		},
		Devices: DeviceMetrics{
			Total:          stats.Devices.Devices,
			ByStatus:       make(map[string]int),
			StaleDiscarded: stats.Devices.StaleDiscarded,
			LocalFlips:     stats.Devices.LocalFlips,
			SyncError:      stats.SyncErr,
		},
	}
	for kind, n := range stats.Push.Messages {
		metrics.Push.Messages[string(kind)] = n
	}
	if !stats.LastSync.IsZero() {
		metrics.Devices.LastSync = stats.LastSync.UTC().Format(time.RFC3339)
	}

	// MQTT bridge (if configured)
	if s.mqttConnected != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqttConnected()}
	}

	for _, st := range s.core.Devices() {
		metrics.Devices.ByStatus[string(st.ConnectionStatus)]++
	}
	for _, status := range []device.ConnectionStatus{device.StatusConnected, device.StatusReconnecting, device.StatusUnavailable} {
		if _, ok := metrics.Devices.ByStatus[string(status)]; !ok {
			metrics.Devices.ByStatus[string(status)] = 0
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
