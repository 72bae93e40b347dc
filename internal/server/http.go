package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/tickwire/tickwire/internal/monitoring"
)

// NewHTTPHandler serves the WebSocket gateway and the operational surface.
// Browser clients connect at /ws and speak the same framed protocol, one
// frame per binary message; /metrics and /healthz serve scrapers and probes.
func (s *Server) NewHTTPHandler(collector *monitoring.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}
		s.Attach(newWSTransport(conn))
	})

	mux.Handle("/metrics", monitoring.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status        string               `json:"status"`
			Connections   int64                `json:"connections"`
			UptimeSeconds int64                `json:"uptimeSeconds"`
			Stats         *monitoring.Snapshot `json:"stats,omitempty"`
		}{
			Status:        "ok",
			Connections:   s.count.Load(),
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		}
		if collector != nil {
			snap := collector.Last()
			status.Stats = &snap
		}
		w.Header().Set("Content-Type", "application/json")
		if s.draining.Load() {
			status.Status = "draining"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(status)
	})

	return mux
}
