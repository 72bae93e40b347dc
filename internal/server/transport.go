package server

import (
	"bufio"
	"net"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// transport abstracts the byte layer under a connection. The framed TCP
// listener yields raw chunks that the streaming decoder reassembles; the
// WebSocket gateway delivers exactly one frame per binary message, which
// feeds through the same decoder unchanged.
type transport interface {
	ReadChunk() ([]byte, error)
	WriteFrames(frames [][]byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

const readChunkSize = 4096

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	buf  []byte
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, readChunkSize),
		w:    bufio.NewWriterSize(conn, readChunkSize),
		buf:  make([]byte, readChunkSize),
	}
}

// ReadChunk returns whatever bytes are available, up to the chunk size.
// The returned slice is only valid until the next call; the decoder copies.
func (t *tcpTransport) ReadChunk() ([]byte, error) {
	n, err := t.r.Read(t.buf)
	if n > 0 {
		return t.buf[:n], nil
	}
	return nil, err
}

func (t *tcpTransport) WriteFrames(frames [][]byte) error {
	for _, f := range frames {
		if _, err := t.w.Write(f); err != nil {
			return err
		}
	}
	return t.w.Flush()
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) RemoteAddr() net.Addr               { return t.conn.RemoteAddr() }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }

type wsTransport struct {
	conn net.Conn
}

func newWSTransport(conn net.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadChunk() ([]byte, error) {
	return wsutil.ReadClientBinary(t.conn)
}

func (t *wsTransport) WriteFrames(frames [][]byte) error {
	for _, f := range frames {
		if err := wsutil.WriteServerBinary(t.conn, f); err != nil {
			return err
		}
	}
	return nil
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *wsTransport) RemoteAddr() net.Addr               { return t.conn.RemoteAddr() }
func (t *wsTransport) Close() error                       { return t.conn.Close() }
