package transport

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single inbound message. Audio turns arrive as
// base64 inside JSON and routinely exceed the websocket library's 32 KiB
// default.
const defaultReadLimit = 16 << 20

// Channel is a bidirectional, message-oriented connection to the live-voice
// service. Read must be called from a single goroutine, as must Write.
type Channel interface {
	// Read blocks for the next message. A clean remote close returns io.EOF.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message.
	Write(ctx context.Context, msg []byte) error

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Pinger is implemented by channels that support liveness pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer opens a [Channel] to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, url string) (Channel, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, url string) (Channel, error) {
	return f(ctx, url)
}

// WebSocketDialer dials websocket endpoints.
type WebSocketDialer struct {
	// HTTPHeader is sent with the opening handshake.
	HTTPHeader http.Header

	// HTTPClient performs the handshake. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// ReadLimit caps inbound message size. Zero means 16 MiB.
	ReadLimit int64
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.HTTPHeader,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

func (c *wsChannel) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return c.closeErr
}
