// Package feed bridges the NATS message bus and the broadcast engine. The
// market-data producers publish price events on `<prefix>.<topic>` subjects;
// the feed maps each subject to its protocol topic and hands the event to
// the server for fan-out.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tickwire/tickwire/internal/protocol"
)

// Publisher is the broadcast entry point the feed delivers into.
type Publisher interface {
	Publish(event *protocol.PriceUpdatePayload) int
}

// Connect dials the bus with reconnect behavior suited to a long-lived
// server process.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return nc, nil
}

// Feed consumes price events from the bus and publishes them to subscribers.
type Feed struct {
	nc     *nats.Conn
	prefix string
	pub    Publisher
	logger zerolog.Logger
	sub    *nats.Subscription
}

func New(nc *nats.Conn, prefix string, pub Publisher, logger zerolog.Logger) *Feed {
	return &Feed{
		nc:     nc,
		prefix: prefix,
		pub:    pub,
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// Start subscribes to every subject under the feed prefix.
func (f *Feed) Start() error {
	subject := f.prefix + ".>"
	sub, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		f.handle(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	f.sub = sub
	f.logger.Info().Str("subject", subject).Msg("Feed subscribed")
	return nil
}

func (f *Feed) Stop() {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
}

func (f *Feed) handle(subject string, data []byte) {
	topic := TopicFromSubject(f.prefix, subject)
	if topic == "" {
		f.logger.Warn().Str("subject", subject).Msg("Event outside feed prefix")
		return
	}

	var event protocol.PriceUpdatePayload
	if err := json.Unmarshal(data, &event); err != nil {
		f.logger.Warn().Err(err).Str("subject", subject).Msg("Malformed feed event")
		return
	}
	// The subject is authoritative for routing; producers may omit the
	// topic field.
	event.Topic = topic

	f.pub.Publish(&event)
}

// TopicFromSubject strips the feed prefix: "md.price.42" becomes "price.42".
// Returns "" if the subject is not under the prefix.
func TopicFromSubject(prefix, subject string) string {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || rest == "" {
		return ""
	}
	return rest
}
