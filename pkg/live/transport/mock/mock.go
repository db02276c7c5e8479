// Package mock provides in-memory implementations of [transport.Channel] and
// [transport.Dialer] for use in unit tests.
//
// Typical usage:
//
//	ch := mock.NewChannel()
//	d := &mock.Dialer{Channel: ch}
//	tr := transport.Open("ws://test", setup, onState, onFrame, transport.WithDialer(d))
//	ch.Deliver([]byte(`{"serverContent":{...}}`))
//	msgs := ch.Written()
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/livebridge/pkg/live/transport"
)

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock [transport.Channel]. Inbound messages are fed with
// [Channel.Deliver]; outbound messages are recorded.
type Channel struct {
	mu sync.Mutex

	// WriteErr, when non-nil, is returned by every Write.
	WriteErr error

	written    [][]byte
	writes     chan struct{}
	inbound    chan []byte
	failed     chan error
	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls int
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{
		writes:  make(chan struct{}, 1024),
		inbound: make(chan []byte),
		failed:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Read implements [transport.Channel].
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case err := <-c.failed:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements [transport.Channel].
func (c *Channel) Write(_ context.Context, msg []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	select {
	case <-c.closed:
		c.mu.Unlock()
		return errors.New("mock: write on closed channel")
	default:
	}
	c.written = append(c.written, append([]byte(nil), msg...))
	c.mu.Unlock()

	select {
	case c.writes <- struct{}{}:
	default:
	}
	return nil
}

// Close implements [transport.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Deliver hands msg to the reader. It reports false if the channel was
// closed before the message was read.
func (c *Channel) Deliver(msg []byte) bool {
	select {
	case c.inbound <- msg:
		return true
	case <-c.closed:
		return false
	}
}

// Fail makes the pending or next Read return err.
func (c *Channel) Fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Written returns a copy of every message written so far.
func (c *Channel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Writes is signalled after each successful Write.
func (c *Channel) Writes() <-chan struct{} { return c.writes }

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Channel is returned by Dial.
	Channel *Channel

	// Err is returned by Dial when non-nil.
	Err error

	// Gate, when non-nil, holds Dial until it is closed or the dial context
	// ends.
	Gate chan struct{}

	urls []string
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate, ch, err := d.Gate, d.Channel, d.Err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// URLs returns the URL of every Dial call.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Compile-time interface assertions.
var (
	_ transport.Channel = (*Channel)(nil)
	_ transport.Dialer  = (*Dialer)(nil)
)
