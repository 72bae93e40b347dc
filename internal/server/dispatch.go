package server

import (
	"encoding/json"
	"time"

	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

// dispatch routes one decoded inbound message. heartbeat and authenticate
// are allowed pre-auth; everything else on an unauthenticated connection
// gets an error reply and the connection stays open. Unknown kinds are
// logged and ignored so protocol additions don't break older servers.
func (s *Server) dispatch(c *Conn, msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindHeartbeat:
		_ = c.Send(protocol.KindHeartbeatAck, &protocol.HeartbeatAckPayload{
			ServerTime: time.Now().UnixMilli(),
		})

	case protocol.KindAuthenticate:
		s.handleAuthenticate(c, msg.Payload)

	case protocol.KindSubscribe:
		if !s.requireAuth(c, msg.Kind) {
			return
		}
		s.handleSubscribe(c, msg.Payload)

	case protocol.KindUnsubscribe:
		if !s.requireAuth(c, msg.Kind) {
			return
		}
		s.handleUnsubscribe(c, msg.Payload)

	case protocol.KindOrderSubmit:
		if !s.requireAuth(c, msg.Kind) {
			return
		}
		s.handleOrderSubmit(c, msg.Payload)

	default:
		c.logger.Debug().Str("kind", string(msg.Kind)).Msg("Ignoring unhandled message kind")
	}
}

func (s *Server) requireAuth(c *Conn, kind protocol.Kind) bool {
	if c.Authenticated() {
		return true
	}
	monitoring.DroppedMessages.WithLabelValues(monitoring.DropReasonUnauthenticatedConnection).Inc()
	c.logger.Warn().Str("kind", string(kind)).Msg("Message on unauthenticated connection")
	c.sendError(protocol.ErrCodeAuthRequired, "authenticate before sending "+string(kind))
	return false
}

func (s *Server) handleAuthenticate(c *Conn, raw json.RawMessage) {
	var p protocol.AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(protocol.ErrCodeBadPayload, "malformed authenticate payload")
		return
	}

	userID, err := s.verifier.Verify(s.ctx, p.Token, p.UserID)
	if err != nil {
		c.logger.Warn().Str("user_id", p.UserID).Msg("Authentication failed")
		_ = c.Send(protocol.KindAuthFailure, &protocol.AuthFailurePayload{Reason: "invalid credentials"})
		s.disconnect(c, monitoring.DisconnectReasonAuthFailure)
		return
	}

	c.userID.Store(userID)
	c.authed.Store(true)
	c.logger.Info().Str("user_id", userID).Msg("Connection authenticated")
	_ = c.Send(protocol.KindAuthSuccess, &protocol.AuthSuccessPayload{UserID: userID})
}

func (s *Server) handleSubscribe(c *Conn, raw json.RawMessage) {
	var p protocol.SubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Topic == "" {
		c.sendError(protocol.ErrCodeBadPayload, "malformed subscribe payload")
		return
	}

	count := s.registry.Subscribe(c.id, p.Topic)
	if c.isClosed() {
		// Disconnect won the race: its Drop already ran and will not run
		// again, so the entry this dispatch just added must not survive.
		s.registry.Drop(c.id)
		return
	}
	c.logger.Debug().Str("topic", p.Topic).Int("count", count).Msg("Subscribed")
	_ = c.Send(protocol.KindSubscribeAck, &protocol.SubscribeAckPayload{Topic: p.Topic, Count: count})
}

func (s *Server) handleUnsubscribe(c *Conn, raw json.RawMessage) {
	var p protocol.SubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Topic == "" {
		c.sendError(protocol.ErrCodeBadPayload, "malformed unsubscribe payload")
		return
	}

	count := s.registry.Unsubscribe(c.id, p.Topic)
	if c.isClosed() {
		s.registry.Drop(c.id)
		return
	}
	c.logger.Debug().Str("topic", p.Topic).Int("count", count).Msg("Unsubscribed")
	_ = c.Send(protocol.KindUnsubscribeAck, &protocol.SubscribeAckPayload{Topic: p.Topic, Count: count})
}

func (s *Server) handleOrderSubmit(c *Conn, raw json.RawMessage) {
	var p protocol.OrderSubmitPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		c.sendError(protocol.ErrCodeBadPayload, "malformed order_submit payload")
		return
	}

	if s.executor != nil {
		if err := s.executor.Submit(s.ctx, c.UserID(), &p); err != nil {
			c.logger.Error().Err(err).Str("order_id", p.OrderID).Msg("Order forward failed")
			c.sendError(protocol.ErrCodeOrderRejected, "order could not be forwarded")
			return
		}
		monitoring.OrdersForwarded.Inc()
	}

	// The ack confirms receipt only; the execution outcome arrives later
	// as an execution_result.
	_ = c.Send(protocol.KindOrderAck, &protocol.OrderAckPayload{OrderID: p.OrderID, Status: "accepted"})
}
