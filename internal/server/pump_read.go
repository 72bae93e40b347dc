package server

import (
	"time"

	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

// readPump owns the inbound side of a connection: it reassembles frames from
// the transport, enforces the inbound rate limit, and dispatches decoded
// messages. It exits on read error, protocol violation, or server-initiated
// close.
func (s *Server) readPump(c *Conn) {
	defer monitoring.RecoverPanic(c.logger, "read_pump")

	reason := monitoring.DisconnectReasonClientClose
	defer func() {
		s.disconnect(c, reason)
	}()

	dec := protocol.NewDecoder(s.cfg.MaxFrameSize)

	for {
		// The deadline is a backstop; the heartbeat supervisor is the
		// primary liveness check.
		c.transport.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout + writeWait))

		chunk, err := c.transport.ReadChunk()
		if err != nil {
			if c.isClosed() {
				reason = c.reason()
			} else {
				reason = monitoring.DisconnectReasonReadError
			}
			return
		}

		c.bytesRecv.Add(int64(len(chunk)))
		s.stats.BytesReceived.Add(int64(len(chunk)))
		monitoring.BytesReceived.Add(float64(len(chunk)))
		dec.Feed(chunk)

		for {
			msg, err := dec.Next()
			if err != nil {
				c.logger.Warn().Err(err).Msg("Protocol error")
				c.sendError(protocol.ErrCodeProtocol, err.Error())
				reason = monitoring.DisconnectReasonProtocolError
				return
			}
			if msg == nil {
				break
			}

			// Any successfully decoded message counts as liveness.
			c.touch()
			c.msgsRecv.Add(1)
			s.stats.MessagesReceived.Add(1)
			monitoring.MessagesReceived.Inc()

			if !c.limiter.Allow() {
				monitoring.RateLimitedMessages.Inc()
				c.logger.Warn().Str("kind", string(msg.Kind)).Msg("Client rate limited")
				c.sendError(protocol.ErrCodeRateLimited, "too many messages, slow down")
				continue
			}

			s.dispatch(c, msg)
			if c.isClosed() {
				reason = c.reason()
				return
			}
		}
	}
}
