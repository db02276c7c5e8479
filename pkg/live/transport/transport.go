// Package transport maintains the connection between a live-voice session and
// the bridge endpoint.
//
// A [Transport] dials once, sends the setup message as the very first frame,
// streams realtime audio messages upstream, and decodes inbound model turns
// into [audio.AudioFrame] values. Any transport failure is terminal: the
// transport moves to [StateClosed] and never reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// ErrConnectionFailure reports that the connection could not be established
// or was lost mid-session.
var ErrConnectionFailure = errors.New("transport: connection failure")

const (
	defaultSendBuffer  = 64
	defaultDialTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// State is the connection state observed through the state callback.
type State int32

const (
	// StateConnecting is the initial state, before the dial completes.
	StateConnecting State = iota

	// StateConnected means the channel is open and the setup message is
	// queued ahead of any audio.
	StateConnected

	// StateClosed is terminal.
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithDialer replaces the default [WebSocketDialer].
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithSendBuffer sets how many outbound messages may wait for the writer.
// Messages sent while the buffer is full are dropped.
func WithSendBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.sendBuffer = n
		}
	}
}

// WithDialTimeout bounds the connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithKeepalive sets the ping interval for channels implementing [Pinger].
// Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// WithMalformedHandler registers fn for inbound audio payloads that fail to
// decode. Such payloads are skipped either way.
func WithMalformedHandler(fn func(error)) Option {
	return func(t *Transport) { t.onMalformed = fn }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is one connection attempt and, if it succeeds, one session's
// worth of message exchange.
//
// All exported methods are safe for concurrent use.
type Transport struct {
	url         string
	setup       Setup
	onState     func(State)
	onFrame     func(audio.AudioFrame)
	onMalformed func(error)
	dialer      Dialer
	sendBuffer  int
	dialTimeout time.Duration
	keepalive   time.Duration

	out       chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	state     State
	ch        Channel
	err       error
	setupSent bool

	notifyMu  sync.Mutex
	queued    State
	notified  State
	notifying bool
}

// New prepares a Transport without dialing. onState observes
// [StateConnected] at most once and [StateClosed] exactly once, in that
// order; it is never invoked concurrently with itself. onFrame receives
// decoded audio in arrival order from a single goroutine.
func New(url string, setup Setup, onState func(State), onFrame func(audio.AudioFrame), opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		url:         url,
		setup:       setup,
		onState:     onState,
		onFrame:     onFrame,
		dialer:      &WebSocketDialer{},
		sendBuffer:  defaultSendBuffer,
		dialTimeout: defaultDialTimeout,
		keepalive:   keepaliveInterval,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.onState == nil {
		t.onState = func(State) {}
	}
	if t.onFrame == nil {
		t.onFrame = func(audio.AudioFrame) {}
	}
	t.out = make(chan []byte, t.sendBuffer)
	return t
}

// Open creates a Transport and starts dialing in the background. It returns
// immediately; the outcome is reported through onState.
func Open(url string, setup Setup, onState func(State), onFrame func(audio.AudioFrame), opts ...Option) *Transport {
	t := New(url, setup, onState, onFrame, opts...)
	t.Start()
	return t
}

// Start begins the connection attempt. Calls after the first are no-ops.
func (t *Transport) Start() {
	t.startOnce.Do(func() { go t.run() })
}

// Send queues msg for delivery. It reports false, and drops msg, when the
// transport is not connected or the send buffer is full.
func (t *Transport) Send(msg []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected {
		return false
	}
	select {
	case t.out <- msg:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure that closed the transport, or nil if it is still
// open or was closed with [Transport.Close].
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport reaches [StateClosed].
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close shuts the transport down from any state. A pending dial is
// abandoned; an open channel is closed. Close is idempotent and may be called
// from within the state callback, in which case the Closed notification
// follows once that callback returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	ch := t.ch
	t.mu.Unlock()

	t.cancel()
	if ch != nil {
		if err := ch.Close(); err != nil {
			slog.Debug("transport: close channel", "url", t.url, "err", err)
		}
	}
	close(t.done)
	t.notify(StateClosed)
	return nil
}

func (t *Transport) run() {
	dialCtx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	ch, err := t.dialer.Dial(dialCtx, t.url)
	cancel()
	if err != nil {
		t.fail(fmt.Errorf("%w: dial: %w", ErrConnectionFailure, err))
		return
	}
	if !t.establish(ch) {
		return
	}

	go t.writeLoop(ch)
	if p, ok := ch.(Pinger); ok && t.keepalive > 0 {
		go t.keepaliveLoop(p)
	}
	t.readLoop(ch)
}

// establish moves to Connected and queues the setup message ahead of any
// audio. It reports false if the transport was closed while dialing.
func (t *Transport) establish(ch Channel) bool {
	setup, err := MarshalSetup(t.setup)

	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		_ = ch.Close()
		return false
	}
	if err != nil {
		t.mu.Unlock()
		_ = ch.Close()
		t.fail(err)
		return false
	}
	t.ch = ch
	t.state = StateConnected
	if !t.setupSent {
		t.setupSent = true
		t.out <- setup
	}
	t.mu.Unlock()

	slog.Debug("transport: connected", "url", t.url)
	t.notify(StateConnected)
	return true
}

// fail closes the transport because of err. The first failure wins.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.err = err
	ch := t.ch
	t.mu.Unlock()

	t.cancel()
	if ch != nil {
		_ = ch.Close()
	}
	slog.Warn("transport: connection closed", "url", t.url, "err", err)
	close(t.done)
	t.notify(StateClosed)
}

// notify delivers forward state transitions only, so Closed is reported once
// and Connected is never reported after Closed. A transition raised while a
// callback is running (for example Close called from the Connected callback)
// is delivered by the goroutine already notifying, after its callback returns.
func (t *Transport) notify(s State) {
	t.notifyMu.Lock()
	if s > t.queued {
		t.queued = s
	}
	if t.notifying {
		t.notifyMu.Unlock()
		return
	}
	t.notifying = true
	for t.queued > t.notified {
		next := t.queued
		t.notified = next
		t.notifyMu.Unlock()
		t.onState(next)
		t.notifyMu.Lock()
	}
	t.notifying = false
	t.notifyMu.Unlock()
}

func (t *Transport) writeLoop(ch Channel) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg := <-t.out:
			if err := ch.Write(t.ctx, msg); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.fail(fmt.Errorf("%w: write: %w", ErrConnectionFailure, err))
				return
			}
		}
	}
}

func (t *Transport) readLoop(ch Channel) {
	for {
		data, err := ch.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("closed by remote")
			}
			t.fail(fmt.Errorf("%w: read: %w", ErrConnectionFailure, err))
			return
		}
		t.dispatch(data)
	}
}

// keepaliveLoop pings the remote so idle connections survive proxies.
func (t *Transport) keepaliveLoop(p Pinger) {
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(t.ctx, keepaliveTimeout)
			if err := p.Ping(pingCtx); err != nil && t.ctx.Err() == nil {
				slog.Debug("transport: keepalive ping failed", "url", t.url, "err", err)
			}
			cancel()
		}
	}
}

// dispatch decodes one inbound message and forwards every audio part.
// Unrecognised or partial messages are ignored.
func (t *Transport) dispatch(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("transport: skipping undecodable message", "err", err)
		return
	}
	if msg.Error != nil {
		slog.Warn("transport: server reported error",
			"code", msg.Error.Code, "status", msg.Error.Status, "message", msg.Error.Message)
	}
	if msg.SetupComplete != nil {
		slog.Debug("transport: setup acknowledged", "url", t.url)
	}
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		// Queued audio keeps playing; there is no barge-in handling.
		slog.Debug("transport: model turn interrupted", "url", t.url)
	}
	if sc.ModelTurn == nil {
		return
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.MIMEType != audio.MIMEType {
			continue
		}
		frame, err := audio.Decode(p.InlineData.Data)
		if err != nil {
			slog.Debug("transport: skipping malformed audio", "err", err)
			if t.onMalformed != nil {
				t.onMalformed(err)
			}
			continue
		}
		t.onFrame(frame)
	}
}
