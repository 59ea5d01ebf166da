package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/linechat/internal/protocol"
)

// wsConn presents a WebSocket as a line stream so that it can be served by
// the same session task as a TCP connection. Each inbound text message is one
// line; each outbound line becomes one text message.
type wsConn struct {
	ws       *websocket.Conn
	pending  []byte
	maxBytes int64

	// gorilla keeps its write deadline in a plain field, so it is only
	// applied from the writing goroutine.
	mu            sync.Mutex
	writeDeadline time.Time

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, maxFrame int) *wsConn {
	// A frame plus its CRLF terminator.
	return &wsConn{ws: ws, maxBytes: int64(maxFrame) + 2}
}

// Read reads at most one frame's worth of each message. Anything longer is
// reported as ErrFrameTooLong while the connection can still carry the
// diagnostic back to the peer.
func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, r, err := c.ws.NextReader()
		if err != nil {
			return 0, wsReadError(err)
		}
		msg, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
		if err != nil {
			return 0, wsReadError(err)
		}
		if int64(len(msg)) > c.maxBytes {
			// Drain the rest so closing does not reset the connection
			// under the diagnostic.
			if err := c.ws.SetReadDeadline(time.Now().Add(flushTimeout)); err == nil {
				_, _ = io.Copy(io.Discard, r)
			}
			return 0, protocol.ErrFrameTooLong
		}
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			msg = append(msg, '\n')
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func wsReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}

	rest := p
	for len(rest) > 0 {
		line, tail, _ := bytes.Cut(rest, []byte{'\n'})
		if err := c.ws.WriteMessage(websocket.TextMessage, line); err != nil {
			return len(p) - len(rest), err
		}
		rest = tail
	}
	return len(p), nil
}

// Close sends a close frame, then closes the underlying connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(flushTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// SetWriteDeadline also interrupts a write already blocked on the socket.
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return c.ws.NetConn().SetWriteDeadline(t)
}
