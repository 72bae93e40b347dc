package server

import (
	"time"

	"github.com/tickwire/tickwire/internal/monitoring"
)

// writePump owns the outbound side of a connection: it drains the queue in
// FIFO order and writes frame batches to the transport. It closes the
// transport on exit, which unblocks the read pump.
func (s *Server) writePump(c *Conn) {
	defer monitoring.RecoverPanic(c.logger, "write_pump")
	defer c.transport.Close()

	for {
		select {
		case <-c.closed:
			// Best-effort flush of anything still queued, the close
			// reason error frame included.
			if frames := c.queue.drain(); len(frames) > 0 {
				c.transport.SetWriteDeadline(time.Now().Add(time.Second))
				s.writeBatch(c, frames)
			}
			return
		case <-c.queue.notify:
			frames := c.queue.drain()
			if len(frames) == 0 {
				continue
			}
			c.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeBatch(c, frames); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				s.disconnect(c, monitoring.DisconnectReasonWriteError)
				return
			}
		}
	}
}

func (s *Server) writeBatch(c *Conn, frames [][]byte) error {
	if err := c.transport.WriteFrames(frames); err != nil {
		return err
	}
	var bytes int64
	for _, f := range frames {
		bytes += int64(len(f))
	}
	c.msgsSent.Add(int64(len(frames)))
	c.bytesSent.Add(bytes)
	s.stats.MessagesSent.Add(int64(len(frames)))
	s.stats.BytesSent.Add(bytes)
	monitoring.MessagesSent.Add(float64(len(frames)))
	monitoring.BytesSent.Add(float64(bytes))
	return nil
}
