package server

import (
	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

// Publish fans one price event out to every connection whose subscriptions
// match the topic. The frame is encoded once and enqueued by reference.
// Returns the number of connections the event was enqueued to; enqueue is
// the only guarantee, delivery is each connection's concern.
//
// Safe to call from the feed's goroutines concurrently with connection
// read loops. Per topic, calls from a single publisher goroutine enqueue in
// call order on every matching connection.
func (s *Server) Publish(event *protocol.PriceUpdatePayload) int {
	monitoring.BroadcastsTotal.Inc()

	ids := s.registry.Match(event.Topic)
	if len(ids) == 0 {
		monitoring.BroadcastFanout.Observe(0)
		return 0
	}

	frame, err := protocol.Encode(protocol.KindPriceUpdate, event)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", event.Topic).Msg("Encode failed")
		return 0
	}

	enqueued := 0
	for _, id := range ids {
		s.mu.RLock()
		c := s.conns[id]
		s.mu.RUnlock()
		if c == nil {
			// Disconnected between Match and lookup.
			continue
		}
		if err := c.enqueue(protocol.KindPriceUpdate, frame); err != nil {
			// Queue full of undroppable frames: the client is beyond
			// saving, cut it off before it exhausts memory.
			s.disconnect(c, monitoring.DisconnectReasonBackpressure)
			continue
		}
		enqueued++
	}

	monitoring.BroadcastFanout.Observe(float64(enqueued))
	return enqueued
}

// Relay delivers an execution result to the connections authenticated as
// userID. Returns the number of connections reached.
func (s *Server) Relay(userID string, result *protocol.ExecutionResultPayload) int {
	frame, err := protocol.Encode(protocol.KindExecutionResult, result)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", result.OrderID).Msg("Encode failed")
		return 0
	}

	s.mu.RLock()
	targets := make([]*Conn, 0, 1)
	for _, c := range s.conns {
		if c.Authenticated() && c.UserID() == userID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.enqueue(protocol.KindExecutionResult, frame); err != nil {
			s.disconnect(c, monitoring.DisconnectReasonBackpressure)
			continue
		}
		delivered++
	}
	return delivered
}
