package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tickwire/tickwire/internal/protocol"
)

// Conn is one live client connection. Exactly one Conn exists per transport;
// its queue and auth state are owned by its own pumps, other goroutines touch
// it only through Send and the server's disconnect path.
type Conn struct {
	id        string
	transport transport
	remote    string
	logger    zerolog.Logger

	authed atomic.Bool
	userID atomic.Value // string

	// Unix nanos of the last successfully decoded inbound message.
	lastActivity atomic.Int64
	connectedAt  time.Time

	msgsSent  atomic.Int64
	msgsRecv  atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64

	limiter *rate.Limiter
	queue   *outQueue

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason atomic.Value // string
}

func newConn(t transport, queueCapacity int, msgRate, msgBurst int, logger zerolog.Logger) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		transport:   t,
		remote:      t.RemoteAddr().String(),
		limiter:     rate.NewLimiter(rate.Limit(msgRate), msgBurst),
		queue:       newOutQueue(queueCapacity),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
	c.logger = logger.With().Str("conn_id", c.id).Str("remote", c.remote).Logger()
	c.touch()
	return c
}

// ID returns the connection's unique identifier, used as the subscription
// registry key.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user, or "" before auth.
func (c *Conn) UserID() string {
	if v := c.userID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (c *Conn) Authenticated() bool { return c.authed.Load() }

// Send encodes payload and appends it to the outbound queue. It never blocks;
// on overflow the queue's drop policy applies and ErrQueueOverflow means the
// connection must be closed.
func (c *Conn) Send(kind protocol.Kind, payload any) error {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	return c.enqueue(kind, frame)
}

// enqueue appends a pre-encoded frame. Broadcast uses this directly so a
// price update is encoded once and fanned out by reference.
func (c *Conn) enqueue(kind protocol.Kind, frame []byte) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	return c.queue.push(kind, frame)
}

func (c *Conn) sendError(code, msg string) {
	_ = c.Send(protocol.KindError, &protocol.ErrorPayload{Code: code, Message: msg})
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) reason() string {
	if v := c.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}
