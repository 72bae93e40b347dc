package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickwire/tickwire/internal/auth"
	"github.com/tickwire/tickwire/internal/config"
	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
	"github.com/tickwire/tickwire/internal/topic"
)

const writeWait = 5 * time.Second

// Executor forwards accepted orders to the trade-execution service.
type Executor interface {
	Submit(ctx context.Context, userID string, order *protocol.OrderSubmitPayload) error
}

// Server accepts client connections, runs their read/write pumps, and fans
// out published events to matching subscribers.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	verifier auth.Verifier
	executor Executor

	registry *topic.Registry
	stats    *monitoring.Stats

	mu    sync.RWMutex
	conns map[string]*Conn
	count atomic.Int64

	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool
	started  time.Time
}

func New(cfg *config.Config, verifier auth.Verifier, executor Executor, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		verifier: verifier,
		executor: executor,
		registry: topic.NewRegistry(),
		stats:    &monitoring.Stats{},
		conns:    make(map[string]*Conn),
		ctx:      ctx,
		cancel:   cancel,
		started:  time.Now(),
	}
}

// Stats exposes the traffic counters for the metrics collector.
func (s *Server) Stats() *monitoring.Stats { return s.stats }

// ConnectionCount implements monitoring.ConnectionCounter.
func (s *Server) ConnectionCount() int64 { return s.count.Load() }

// Registry exposes the subscription registry, read-only use only.
func (s *Server) Registry() *topic.Registry { return s.registry }

// Listen starts the framed TCP listener and blocks serving accepts until
// Shutdown or a fatal listener error.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", addr).Msg("TCP listener started")
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept failures (aborted handshakes, fd
			// exhaustion) must not kill the listener.
			s.logger.Warn().Err(err).Msg("Accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.Attach(newTCPTransport(conn))
	}
}

// Attach registers a new transport as an unauthenticated connection and
// starts its pumps. Over-limit and draining accepts are rejected with an
// error frame before the transport is closed.
func (s *Server) Attach(t transport) {
	if s.draining.Load() {
		s.reject(t, protocol.ErrCodeOverloaded, "server shutting down", monitoring.DisconnectReasonServerShutdown)
		return
	}
	// Reserve the slot before registering so concurrent attaches from the
	// accept loop and the WebSocket gateway cannot overshoot the limit.
	if s.count.Add(1) > int64(s.cfg.MaxConnections) {
		s.count.Add(-1)
		s.reject(t, protocol.ErrCodeOverloaded, "connection limit reached", monitoring.DisconnectReasonMaxConnections)
		return
	}

	c := newConn(t, s.cfg.QueueCapacity, s.cfg.MessageRate, s.cfg.MessageBurst, s.logger)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	c.logger.Debug().Msg("Connection accepted")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
}

func (s *Server) reject(t transport, code, msg, reason string) {
	monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
	s.logger.Warn().Str("remote", t.RemoteAddr().String()).Str("reason", reason).Msg("Connection rejected")

	// Off the accept path so a client that never reads cannot stall it.
	go func() {
		if frame, err := protocol.Encode(protocol.KindError, &protocol.ErrorPayload{Code: code, Message: msg}); err == nil {
			t.SetWriteDeadline(time.Now().Add(time.Second))
			t.WriteFrames([][]byte{frame})
		}
		t.Close()
	}()
}

// disconnect tears a connection down exactly once. The connection leaves the
// live set and the subscription registry before the transport close completes,
// so no dispatch or broadcast can reference it afterwards.
func (s *Server) disconnect(c *Conn, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.count.Add(-1)
		s.registry.Drop(c.id)

		monitoring.ConnectionsActive.Dec()
		monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
		monitoring.ConnectionDuration.WithLabelValues(reason).Observe(time.Since(c.connectedAt).Seconds())

		c.logger.Info().
			Str("reason", reason).
			Dur("duration", time.Since(c.connectedAt)).
			Int64("msgs_sent", c.msgsSent.Load()).
			Int64("msgs_received", c.msgsRecv.Load()).
			Int64("bytes_sent", c.bytesSent.Load()).
			Int64("bytes_received", c.bytesRecv.Load()).
			Msg("Connection closed")

		// Signals the write pump to flush pending frames and close the
		// transport, which unblocks the read pump.
		close(c.closed)
	})
}

// Shutdown stops accepting, notifies clients, and drains connections. Waits
// up to the configured grace period for pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.RLock()
	live := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.RUnlock()

	s.logger.Info().Int("connections", len(live)).Msg("Draining connections")
	for _, c := range live {
		c.sendError(protocol.ErrCodeOverloaded, "server shutting down")
		s.disconnect(c, monitoring.DisconnectReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
