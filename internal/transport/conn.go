package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"time"

	"github.com/danmuck/regsync/internal/protocol/frame"
	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/gorilla/websocket"
)

// frameConn is one framed byte stream. Reads happen on the link's reader
// goroutine and writes on its writer goroutine.
type frameConn interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	// TLSIdentity returns the verified peer certificate identity, if any.
	TLSIdentity() (string, bool)
}

type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
}

func newStreamConn(conn net.Conn, limits frame.Limits) *streamConn {
	return &streamConn{conn: conn, reader: bufio.NewReader(conn), limits: limits}
}

func (c *streamConn) ReadFrame() (frame.Frame, error) {
	return frame.ReadFrame(c.reader, c.limits)
}

func (c *streamConn) WriteFrame(f frame.Frame, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return frame.WriteFrame(c.conn, f, c.limits)
}

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *streamConn) Close() error                      { return c.conn.Close() }
func (c *streamConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }

func (c *streamConn) TLSIdentity() (string, bool) {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	id := session.PeerIdentity(state.PeerCertificates[0])
	return id, id != ""
}

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	conn   *websocket.Conn
	limits frame.Limits
}

func newWSConn(conn *websocket.Conn, limits frame.Limits) *wsConn {
	conn.SetReadLimit(int64(frame.FixedHeaderLen) + int64(limits.MaxExtensionBytes) + int64(limits.MaxPayloadBytes))
	return &wsConn{conn: conn, limits: limits}
}

func (c *wsConn) ReadFrame() (frame.Frame, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return frame.Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return frame.ReadFrame(bytes.NewReader(data), c.limits)
	}
}

func (c *wsConn) WriteFrame(f frame.Frame, deadline time.Time) error {
	data, err := frame.Marshal(f, c.limits)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) Close() error                      { return c.conn.Close() }
func (c *wsConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }

func (c *wsConn) TLSIdentity() (string, bool) {
	tlsConn, ok := c.conn.UnderlyingConn().(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	id := session.PeerIdentity(state.PeerCertificates[0])
	return id, id != ""
}
