package server

import (
	"context"
	"time"

	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

// RunHeartbeat sweeps the live set on the configured interval and closes
// connections whose last decoded inbound message is older than the timeout.
// Clients that are otherwise chatty never need to send heartbeats.
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	s.mu.RLock()
	stale := make([]*Conn, 0)
	for _, c := range s.conns {
		if c.idleFor(now) > s.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		c.logger.Warn().Dur("idle", c.idleFor(now)).Msg("Heartbeat timeout")
		c.sendError(protocol.ErrCodeTimeout, "no message received within heartbeat timeout")
		s.disconnect(c, monitoring.DisconnectReasonHeartbeatTimeout)
	}
}
