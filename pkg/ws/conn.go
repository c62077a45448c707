package ws

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the transport surface a session needs. Production sessions wrap
// *websocket.Conn; tests substitute an in-memory pipe to inject frames and
// capture sends without a network hop.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsConn adapts coder/websocket to Conn, pinning text frames.
type wsConn struct {
	c *websocket.Conn
}

// NewConn wraps an accepted websocket connection.
func NewConn(c *websocket.Conn) Conn { return &wsConn{c: c} }

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
