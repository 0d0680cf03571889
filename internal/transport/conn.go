package transport

import (
	"context"
	"sync"

	"github.com/ashureev/mcp-gateway/internal/session"
	"github.com/coder/websocket"
)

// wsConn adapts *websocket.Conn to session.Conn, serializing writes to a
// single socket per spec §5 ("Outbound writes to a single socket are
// serialized").
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ session.Conn = (*wsConn)(nil)

func (w *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}
