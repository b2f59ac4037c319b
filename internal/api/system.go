package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/Codarn/pg-mqtt-pub/internal/delivery"
	"github.com/Codarn/pg-mqtt-pub/internal/supervisor"
)

// healthCheckTimeout bounds the database probe in /health.
const healthCheckTimeout = 2 * time.Second

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	delivery.Status

	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	Supervisors   []supervisor.Stats `json:"supervisors,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleHealth reports database reachability and worker liveness.
//
// 200 "ok" when both are fine, 200 "degraded" when the worker is not
// running, 503 "unhealthy" when the database cannot be reached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":        s.version,
		"worker_running": s.state.Running(),
		"database":       "ok",
	}

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.database.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check: database unreachable", "error", err)
			resp["database"] = "unreachable"
			resp["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	resp["status"] = "ok"
	if !s.state.Running() {
		resp["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus returns the delivery snapshot plus process information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := StatusResponse{
		Status:        s.state.Status(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}
	if s.connections != nil {
		resp.Supervisors = s.connections.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}
