// Package protocol defines the tickwire wire format.
//
// Every message on the wire is a frame: a fixed 6-byte header followed by a
// JSON envelope.
//
//	+-------+-------+-------------------------------+
//	| Magic | Ver   | Length (4 bytes, big-endian)  |
//	+-------+-------+-------------------------------+
//	|        JSON envelope (Length bytes)           |
//	+-----------------------------------------------+
//
// The envelope is {"kind": "...", "ts": <epoch ms>, "payload": {...}}.
// The header makes the stream self-delimiting: a decoder never depends on
// how bytes happened to be chunked by the transport. The version byte
// exists so the envelope encoding can change without breaking streaming
// decode; both sides must reject unknown versions.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MagicByte identifies tickwire frames. Chosen to be unlikely to occur
	// at the start of stray plaintext, so protocol mismatches fail fast.
	MagicByte byte = 0xA7

	// ProtocolVersion is incremented on incompatible envelope changes.
	ProtocolVersion byte = 0x01

	// HeaderSize is the fixed frame header size in bytes.
	HeaderSize = 6

	// DefaultMaxFrameSize bounds the envelope size to prevent a client
	// from forcing unbounded buffer growth with a huge length prefix.
	DefaultMaxFrameSize = 1 << 20 // 1MiB
)

// Kind identifies a message type. Unknown kinds still decode; callers are
// expected to log and ignore them rather than fail the connection.
type Kind string

const (
	KindHeartbeat       Kind = "heartbeat"
	KindHeartbeatAck    Kind = "heartbeat_ack"
	KindAuthenticate    Kind = "authenticate"
	KindAuthSuccess     Kind = "auth_success"
	KindAuthFailure     Kind = "auth_failure"
	KindSubscribe       Kind = "subscribe"
	KindSubscribeAck    Kind = "subscribe_ack"
	KindUnsubscribe     Kind = "unsubscribe"
	KindUnsubscribeAck  Kind = "unsubscribe_ack"
	KindPriceUpdate     Kind = "price_update"
	KindOrderSubmit     Kind = "order_submit"
	KindOrderAck        Kind = "order_ack"
	KindExecutionResult Kind = "execution_result"
	KindError           Kind = "error"
)

// Known reports whether k is a kind this server version understands.
func (k Kind) Known() bool {
	switch k {
	case KindHeartbeat, KindHeartbeatAck, KindAuthenticate, KindAuthSuccess,
		KindAuthFailure, KindSubscribe, KindSubscribeAck, KindUnsubscribe,
		KindUnsubscribeAck, KindPriceUpdate, KindOrderSubmit, KindOrderAck,
		KindExecutionResult, KindError:
		return true
	}
	return false
}

// Message is the decoded frame envelope. Payload is kept raw so unknown
// kinds pass through intact and price updates can be fanned out without
// re-marshaling.
type Message struct {
	Kind      Kind            `json:"kind"`
	Timestamp int64           `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeError reports a structurally invalid frame. The connection that
// produced it must be closed by the caller after sending one error message;
// the codec itself never closes anything.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

// ErrIncomplete is returned by Decode when the buffer does not yet hold a
// full frame. It is a resumption signal, not a failure.
var ErrIncomplete = fmt.Errorf("protocol: incomplete frame")

// Encode builds a frame for kind with the given payload value, stamping the
// server-assigned timestamp. payload may be nil.
func Encode(kind Kind, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return EncodeMessage(&Message{
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})
}

// EncodeMessage frames an already-populated envelope.
func EncodeMessage(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, HeaderSize+len(body))
	frame[0] = MagicByte
	frame[1] = ProtocolVersion
	binary.BigEndian.PutUint32(frame[2:], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode consumes one frame from the front of buf. It returns the decoded
// message and the number of bytes consumed. ErrIncomplete means buf holds a
// partial frame and decoding should resume once more bytes arrive; a
// *DecodeError means the stream is corrupt and unrecoverable.
func Decode(buf []byte, maxFrameSize int) (*Message, int, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != MagicByte {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("bad magic byte 0x%02X", buf[0])}
	}
	if buf[1] != ProtocolVersion {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("unsupported protocol version 0x%02X", buf[1])}
	}
	length := int(binary.BigEndian.Uint32(buf[2:]))
	if length > maxFrameSize {
		return nil, 0, &DecodeError{Reason: fmt.Sprintf("frame length %d exceeds limit %d", length, maxFrameSize)}
	}
	if len(buf) < HeaderSize+length {
		return nil, 0, ErrIncomplete
	}
	var m Message
	if err := json.Unmarshal(buf[HeaderSize:HeaderSize+length], &m); err != nil {
		return nil, 0, &DecodeError{Reason: "malformed envelope: " + err.Error()}
	}
	if m.Kind == "" {
		return nil, 0, &DecodeError{Reason: "envelope missing kind"}
	}
	return &m, HeaderSize + length, nil
}

// Decoder accumulates stream bytes and yields complete messages. One
// Decoder belongs to exactly one connection's read loop.
type Decoder struct {
	buf          []byte
	maxFrameSize int
}

// NewDecoder returns a streaming decoder. maxFrameSize <= 0 selects
// DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends transport bytes to the internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete message, or (nil, nil) when the buffer
// holds no complete frame yet. A *DecodeError poisons the stream: the
// caller must stop feeding and close the connection.
func (d *Decoder) Next() (*Message, error) {
	m, n, err := Decode(d.buf, d.maxFrameSize)
	if err != nil {
		if err == ErrIncomplete {
			return nil, nil
		}
		return nil, err
	}
	// Shift the consumed frame off the front. Copying keeps the buffer
	// from pinning the whole history of the stream.
	remaining := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
	return m, nil
}

// Buffered returns the number of unconsumed bytes, used by tests and
// diagnostics.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
