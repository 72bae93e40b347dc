package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tickwire/tickwire/internal/protocol"
)

// orderEnvelope is the wire shape on the orders subject. The execution
// service echoes userId and orderId back on the results subject so the
// outcome can be routed to the submitting user.
type orderEnvelope struct {
	UserID string                       `json:"userId"`
	Order  *protocol.OrderSubmitPayload `json:"order"`
}

type resultEnvelope struct {
	UserID  string          `json:"userId"`
	OrderID string          `json:"orderId"`
	Result  json.RawMessage `json:"result"`
}

// Executor forwards accepted orders to the trade-execution service over the
// bus. Fire-and-forget: the ack the client gets confirms receipt only.
type Executor struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewExecutor(nc *nats.Conn, subject string, logger zerolog.Logger) *Executor {
	return &Executor{
		nc:      nc,
		subject: subject,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

func (e *Executor) Submit(_ context.Context, userID string, order *protocol.OrderSubmitPayload) error {
	data, err := json.Marshal(&orderEnvelope{UserID: userID, Order: order})
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := e.nc.Publish(e.subject, data); err != nil {
		return fmt.Errorf("failed to publish order to %s: %w", e.subject, err)
	}
	e.logger.Debug().Str("order_id", order.OrderID).Str("user_id", userID).Msg("Order forwarded")
	return nil
}

// Relayer routes an execution result back to a user's live connections.
type Relayer interface {
	Relay(userID string, result *protocol.ExecutionResultPayload) int
}

// ResultRelay consumes execution outcomes from the bus and relays each to
// the submitting user's connections.
type ResultRelay struct {
	nc      *nats.Conn
	subject string
	relayer Relayer
	logger  zerolog.Logger
	sub     *nats.Subscription
}

func NewResultRelay(nc *nats.Conn, subject string, relayer Relayer, logger zerolog.Logger) *ResultRelay {
	return &ResultRelay{
		nc:      nc,
		subject: subject,
		relayer: relayer,
		logger:  logger.With().Str("component", "result_relay").Logger(),
	}
}

func (r *ResultRelay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *nats.Msg) {
		r.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.subject, err)
	}
	r.sub = sub
	r.logger.Info().Str("subject", r.subject).Msg("Result relay subscribed")
	return nil
}

func (r *ResultRelay) Stop() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
}

func (r *ResultRelay) handle(data []byte) {
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed execution result")
		return
	}
	if env.UserID == "" || env.OrderID == "" {
		r.logger.Warn().Msg("Execution result missing userId or orderId")
		return
	}

	delivered := r.relayer.Relay(env.UserID, &protocol.ExecutionResultPayload{
		OrderID: env.OrderID,
		Result:  env.Result,
	})
	if delivered == 0 {
		// The user disconnected between submit and execution; the result
		// is dropped, clients reconcile on reconnect.
		r.logger.Debug().Str("user_id", env.UserID).Str("order_id", env.OrderID).Msg("No live connection for result")
	}
}
