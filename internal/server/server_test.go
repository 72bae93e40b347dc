package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickwire/tickwire/internal/auth"
	"github.com/tickwire/tickwire/internal/config"
	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/protocol"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:              ":0",
		HTTPAddr:          ":0",
		MaxConnections:    16,
		QueueCapacity:     64,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MessageRate:       1000,
		MessageBurst:      1000,
	}
}

type recordingExecutor struct {
	mu     sync.Mutex
	userID string
	orders []*protocol.OrderSubmitPayload
}

func (e *recordingExecutor) Submit(_ context.Context, userID string, order *protocol.OrderSubmitPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userID = userID
	e.orders = append(e.orders, order)
	return nil
}

// testClient drives the client end of a net.Pipe against an attached server
// connection, speaking raw frames.
type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	s.Attach(newTCPTransport(serverEnd))
	t.Cleanup(func() { clientEnd.Close() })
	return &testClient{t: t, conn: clientEnd, dec: protocol.NewDecoder(protocol.DefaultMaxFrameSize)}
}

func (c *testClient) send(kind protocol.Kind, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		c.t.Fatalf("encode %s: %v", kind, err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(frame); err != nil {
		c.t.Fatalf("write %s: %v", kind, err)
	}
}

// recv blocks for the next decoded frame or fails the test on timeout.
func (c *testClient) recv(timeout time.Duration) *protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	for {
		msg, err := c.dec.Next()
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if msg != nil {
			return msg
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		c.dec.Feed(buf[:n])
	}
}

// recvClosed reads until the peer closes, returning any frames seen on the
// way out.
func (c *testClient) recvClosed(timeout time.Duration) []*protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	var msgs []*protocol.Message
	for {
		for {
			msg, err := c.dec.Next()
			if err != nil || msg == nil {
				break
			}
			msgs = append(msgs, msg)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return msgs
		}
		c.dec.Feed(buf[:n])
	}
}

func (c *testClient) authenticate(v *auth.StaticVerifier, token, userID string) {
	c.t.Helper()
	c.send(protocol.KindAuthenticate, &protocol.AuthenticatePayload{Token: token, UserID: userID})
	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindAuthSuccess {
		c.t.Fatalf("auth reply kind = %s, want %s", msg.Kind, protocol.KindAuthSuccess)
	}
}

func (c *testClient) subscribe(topic string) {
	c.t.Helper()
	c.send(protocol.KindSubscribe, &protocol.SubscribePayload{Topic: topic})
	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindSubscribeAck {
		c.t.Fatalf("subscribe reply kind = %s, want %s", msg.Kind, protocol.KindSubscribeAck)
	}
}

func newTestServer(t *testing.T, cfg *config.Config, exec Executor) (*Server, *auth.StaticVerifier) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	verifier := auth.NewStaticVerifier(map[string]string{"tok-1": "u1", "tok-2": "u2"})
	s := New(cfg, verifier, exec, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, verifier
}

func TestAuthSubscribePublish(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)

	c.authenticate(v, "tok-1", "u1")
	c.subscribe("price.42")

	event := &protocol.PriceUpdatePayload{Topic: "price.42", Price: 101.5, Change: 0.5, Volume: 1200}
	if n := s.Publish(event); n != 1 {
		t.Fatalf("Publish = %d, want 1", n)
	}

	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindPriceUpdate {
		t.Fatalf("kind = %s, want %s", msg.Kind, protocol.KindPriceUpdate)
	}
	var got protocol.PriceUpdatePayload
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Topic != "price.42" || got.Price != 101.5 {
		t.Errorf("payload = %+v, want topic price.42 price 101.5", got)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	if n := s.Publish(&protocol.PriceUpdatePayload{Topic: "price.1", Price: 1}); n != 0 {
		t.Fatalf("Publish with no subscribers = %d, want 0", n)
	}
}

func TestPublishOrdering(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")
	c.subscribe("price.7")

	for i := 1; i <= 5; i++ {
		s.Publish(&protocol.PriceUpdatePayload{Topic: "price.7", Price: float64(i)})
	}
	for i := 1; i <= 5; i++ {
		msg := c.recv(2 * time.Second)
		var got protocol.PriceUpdatePayload
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Price != float64(i) {
			t.Fatalf("update %d has price %v, want %d", i, got.Price, i)
		}
	}
}

func TestWildcardDeliversOnce(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")
	c.subscribe("price.42")
	c.subscribe("price.*")

	// Overlapping subscriptions still deliver a single copy.
	if n := s.Publish(&protocol.PriceUpdatePayload{Topic: "price.42", Price: 9}); n != 1 {
		t.Fatalf("Publish = %d, want 1", n)
	}
	first := c.recv(2 * time.Second)
	if first.Kind != protocol.KindPriceUpdate {
		t.Fatalf("kind = %s, want price_update", first.Kind)
	}

	// A sentinel on another topic proves no duplicate is in flight ahead
	// of it.
	s.Publish(&protocol.PriceUpdatePayload{Topic: "price.43", Price: 10})
	second := c.recv(2 * time.Second)
	var got protocol.PriceUpdatePayload
	if err := json.Unmarshal(second.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Topic != "price.43" {
		t.Fatalf("second delivery topic = %s, want price.43 (duplicate price.42?)", got.Topic)
	}
}

func TestUnauthenticatedSubscribeRejected(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	c := dial(t, s)

	c.send(protocol.KindSubscribe, &protocol.SubscribePayload{Topic: "price.1"})
	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindError {
		t.Fatalf("kind = %s, want error", msg.Kind)
	}
	var p protocol.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != protocol.ErrCodeAuthRequired {
		t.Errorf("code = %s, want %s", p.Code, protocol.ErrCodeAuthRequired)
	}

	// Connection stays open and no registry state leaked.
	c.send(protocol.KindHeartbeat, nil)
	if reply := c.recv(2 * time.Second); reply.Kind != protocol.KindHeartbeatAck {
		t.Errorf("heartbeat after rejection: kind = %s, want heartbeat_ack", reply.Kind)
	}
	if s.Registry().Subscribed() {
		t.Error("registry has subscriptions after rejected subscribe")
	}
}

func TestHeartbeatPreAuth(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	c := dial(t, s)

	c.send(protocol.KindHeartbeat, nil)
	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindHeartbeatAck {
		t.Fatalf("kind = %s, want heartbeat_ack", msg.Kind)
	}
	var p protocol.HeartbeatAckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ServerTime <= 0 {
		t.Errorf("ServerTime = %d, want > 0", p.ServerTime)
	}
}

func TestAuthFailureCloses(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	c := dial(t, s)

	c.send(protocol.KindAuthenticate, &protocol.AuthenticatePayload{Token: "bogus", UserID: "u1"})
	msgs := c.recvClosed(2 * time.Second)
	if len(msgs) == 0 || msgs[0].Kind != protocol.KindAuthFailure {
		t.Fatalf("msgs = %v, want auth_failure then close", kinds(msgs))
	}
	waitForCount(t, s, 0)
}

func TestUnknownKindIgnored(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")

	c.send(protocol.Kind("replay_request"), map[string]any{"from": 10})
	c.send(protocol.KindHeartbeat, nil)
	if msg := c.recv(2 * time.Second); msg.Kind != protocol.KindHeartbeatAck {
		t.Fatalf("kind = %s, want heartbeat_ack (unknown kind should be ignored)", msg.Kind)
	}
}

func TestProtocolErrorCloses(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	c := dial(t, s)

	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte{0xFF, 0x01, 0, 0, 0, 2, '{', '}'}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgs := c.recvClosed(2 * time.Second)
	found := false
	for _, m := range msgs {
		if m.Kind == protocol.KindError {
			found = true
		}
	}
	if !found {
		t.Errorf("msgs = %v, want an error frame before close", kinds(msgs))
	}
	waitForCount(t, s, 0)
}

func TestOrderSubmit(t *testing.T) {
	exec := &recordingExecutor{}
	s, v := newTestServer(t, nil, exec)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")

	order := &protocol.OrderSubmitPayload{OrderID: "ord-1", Topic: "price.42", Side: "buy", Quantity: 3, Price: 100}
	c.send(protocol.KindOrderSubmit, order)

	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindOrderAck {
		t.Fatalf("kind = %s, want order_ack", msg.Kind)
	}
	var ack protocol.OrderAckPayload
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.OrderID != "ord-1" || ack.Status != "accepted" {
		t.Errorf("ack = %+v, want ord-1 accepted", ack)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.userID != "u1" || len(exec.orders) != 1 || exec.orders[0].OrderID != "ord-1" {
		t.Errorf("executor saw user %q orders %d", exec.userID, len(exec.orders))
	}
}

func TestExecutionResultRelay(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")

	result := &protocol.ExecutionResultPayload{OrderID: "ord-9", Result: json.RawMessage(`{"status":"filled"}`)}
	if n := s.Relay("u1", result); n != 1 {
		t.Fatalf("Relay = %d, want 1", n)
	}
	if n := s.Relay("u2", result); n != 0 {
		t.Fatalf("Relay to absent user = %d, want 0", n)
	}

	msg := c.recv(2 * time.Second)
	if msg.Kind != protocol.KindExecutionResult {
		t.Fatalf("kind = %s, want execution_result", msg.Kind)
	}
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	s, _ := newTestServer(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunHeartbeat(ctx)

	c := dial(t, s)
	msgs := c.recvClosed(2 * time.Second)
	found := false
	for _, m := range msgs {
		if m.Kind != protocol.KindError {
			continue
		}
		var p protocol.ErrorPayload
		if err := json.Unmarshal(m.Payload, &p); err == nil && p.Code == protocol.ErrCodeTimeout {
			found = true
		}
	}
	if !found {
		t.Errorf("msgs = %v, want HEARTBEAT_TIMEOUT error before close", kinds(msgs))
	}
	waitForCount(t, s, 0)
}

func TestChattyConnectionSurvivesSupervisor(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	s, _ := newTestServer(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunHeartbeat(ctx)

	c := dial(t, s)
	for i := 0; i < 10; i++ {
		c.send(protocol.KindHeartbeat, nil)
		if msg := c.recv(time.Second); msg.Kind != protocol.KindHeartbeatAck {
			t.Fatalf("kind = %s, want heartbeat_ack", msg.Kind)
		}
		time.Sleep(30 * time.Millisecond)
	}
	if s.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", s.ConnectionCount())
	}
}

func TestMaxConnectionsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, _ := newTestServer(t, cfg, nil)

	first := dial(t, s)
	first.send(protocol.KindHeartbeat, nil)
	first.recv(2 * time.Second)

	second := dial(t, s)
	msgs := second.recvClosed(2 * time.Second)
	if len(msgs) == 0 || msgs[0].Kind != protocol.KindError {
		t.Fatalf("msgs = %v, want error frame then close", kinds(msgs))
	}
	var p protocol.ErrorPayload
	if err := json.Unmarshal(msgs[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != protocol.ErrCodeOverloaded {
		t.Errorf("code = %s, want %s", p.Code, protocol.ErrCodeOverloaded)
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")
	c.subscribe("price.42")

	c.conn.Close()
	waitForCount(t, s, 0)

	if s.Registry().Subscribed() {
		t.Error("registry still has subscriptions after disconnect")
	}
	if n := s.Publish(&protocol.PriceUpdatePayload{Topic: "price.42", Price: 1}); n != 0 {
		t.Errorf("Publish after disconnect = %d, want 0", n)
	}
}

func TestSubscribeLosingRaceWithDisconnect(t *testing.T) {
	s, v := newTestServer(t, nil, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")
	conn := firstConn(t, s)

	// A subscribe dispatch still in flight when another goroutine tears
	// the connection down lands its registry mutation after Drop already
	// ran; the entry must not outlive the connection.
	s.disconnect(conn, monitoring.DisconnectReasonWriteError)
	raw, err := json.Marshal(&protocol.SubscribePayload{Topic: "price.1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.handleSubscribe(conn, raw)

	if s.Registry().Subscribed() {
		t.Fatal("registry holds subscriptions for a destroyed connection")
	}
	if n := s.Publish(&protocol.PriceUpdatePayload{Topic: "price.1", Price: 1}); n != 0 {
		t.Fatalf("Publish = %d, want 0", n)
	}
}

func TestBackpressureOverflowClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 4
	s, v := newTestServer(t, cfg, nil)
	c := dial(t, s)
	c.authenticate(v, "tok-1", "u1")
	conn := firstConn(t, s)
	s.Registry().Subscribe(conn.id, "price.1")

	// Park the write pump: one frame into a pipe nobody reads keeps it
	// blocked, so the queue stops draining.
	plug, err := protocol.Encode(protocol.KindOrderAck, &protocol.OrderAckPayload{OrderID: "plug", Status: "accepted"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.enqueue(protocol.KindOrderAck, plug)
	time.Sleep(50 * time.Millisecond)

	// Fill the queue with frames the drop policy must never touch.
	for i := 0; i < cfg.QueueCapacity; i++ {
		conn.queue.push(protocol.KindOrderAck, plug)
	}

	// A price update against a critical-full queue is discarded, never
	// grounds for a close.
	s.Publish(&protocol.PriceUpdatePayload{Topic: "price.1", Price: 1})
	if conn.isClosed() {
		t.Fatal("price update overflow closed the connection")
	}

	// An undroppable frame that cannot be queued forces the close.
	result := &protocol.ExecutionResultPayload{OrderID: "ord-1", Result: json.RawMessage(`{}`)}
	if n := s.Relay("u1", result); n != 0 {
		t.Fatalf("Relay = %d, want 0", n)
	}
	if got := conn.reason(); got != monitoring.DisconnectReasonBackpressure {
		t.Fatalf("close reason = %q, want %q", got, monitoring.DisconnectReasonBackpressure)
	}
	waitForCount(t, s, 0)
}

func TestConcurrentAttachRespectsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s, _ := newTestServer(t, cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		clientEnd, serverEnd := net.Pipe()
		t.Cleanup(func() { clientEnd.Close() })
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Attach(newTCPTransport(serverEnd))
		}()
	}
	wg.Wait()

	if got := s.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
}

// scriptedListener plays back a fixed Accept sequence, then reports closed.
type scriptedListener struct {
	mu    sync.Mutex
	steps []func() (net.Conn, error)
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.steps) == 0 {
		return nil, net.ErrClosed
	}
	step := l.steps[0]
	l.steps = l.steps[1:]
	return step()
}

func (l *scriptedListener) Close() error   { return nil }
func (l *scriptedListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestServeSurvivesTransientAcceptError(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() { clientEnd.Close() })

	ln := &scriptedListener{steps: []func() (net.Conn, error){
		func() (net.Conn, error) { return nil, errors.New("accept tcp: connection aborted") },
		func() (net.Conn, error) { return serverEnd, nil },
	}}

	if err := s.serve(ln); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if got := s.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1 (accept loop died on transient error?)", got)
	}
}

func firstConn(t *testing.T, s *Server) *Conn {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		return c
	}
	t.Fatal("no live connections")
	return nil
}

func waitForCount(t *testing.T, s *Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ConnectionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ConnectionCount = %d, want %d", s.ConnectionCount(), want)
}

func kinds(msgs []*protocol.Message) []protocol.Kind {
	out := make([]protocol.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}
