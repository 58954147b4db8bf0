// Package transport adapts a WebSocket connection to the byte-stream
// interface the room runtime consumes: Send, Recv and the connection path.
package transport

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send and Recv after the peer disconnected.
var ErrClosed = errors.New("transport closed")

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	PingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Transport is a bidirectional byte-message stream bound to a room path.
// Sends are serialized: exactly one send is in flight at a time.
type Transport interface {
	Send(ctx context.Context, message []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Path() string
	Close() error
}

// WebSocket wraps a gorilla connection as a Transport.
type WebSocket struct {
	conn   *websocket.Conn
	path   string
	sendMu sync.Mutex
}

// NewWebSocket adapts an upgraded connection. path becomes the room name.
func NewWebSocket(conn *websocket.Conn, path string) *WebSocket {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	return &WebSocket{conn: conn, path: path}
}

// Dial connects to a relay server. The URL path selects the room.
func Dial(ctx context.Context, rawURL string) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, u.Path), nil
}

// Path returns the connection path.
func (ws *WebSocket) Path() string {
	return ws.path
}

// Send writes one binary message. Concurrent calls are serialized.
func (ws *WebSocket) Send(ctx context.Context, message []byte) error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.conn.SetWriteDeadline(deadline)
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
		return mapError(err)
	}
	return nil
}

// Recv reads the next message. It returns ErrClosed on a normal peer
// disconnect and the underlying error otherwise.
func (ws *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.conn.SetReadDeadline(deadline)
	_, message, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, mapError(err)
	}
	return message, nil
}

// Ping sends a control ping, refreshing the peer's liveness window.
func (ws *WebSocket) Ping() error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return mapError(err)
	}
	return nil
}

// Close closes the underlying connection.
func (ws *WebSocket) Close() error {
	return ws.conn.Close()
}

func mapError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return ErrClosed
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return ErrClosed
	}
	return err
}
