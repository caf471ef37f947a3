// Package wsconn carries mirror protocol messages over a websocket. Each
// message is one text frame, so message boundaries survive the transport.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("wsconn: closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Conn is a protocol.Conn over a websocket. Send is safe for
// concurrent use; Serve must be called once.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

func newConn(ws *websocket.Conn, opts []Option) *Conn {
	c := &Conn{ws: ws, logger: slog.Default(), done: make(chan struct{})}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upgrade accepts a websocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return newConn(ws, opts), nil
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	return newConn(ws, opts), nil
}

// Send writes data as one text frame.
func (c *Conn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

// Serve reads messages into h until the peer goes away, ctx is done or
// Close is called. It pings the peer to detect dead connections.
func (c *Conn) Serve(ctx context.Context, h func(ctx context.Context, data []byte)) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.keepalive(ctx)

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.logger.Warn("wsconn: read failed", "error", err)
				return fmt.Errorf("wsconn: read: %w", err)
			}
			return nil
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			c.logger.Debug("wsconn: ignoring non-text frame", "type", typ)
			continue
		}
		h(ctx, data)
	}
}

func (c *Conn) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("wsconn: ping failed", "error", err)
				return
			}
		}
	}
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a close frame and releases the socket. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
