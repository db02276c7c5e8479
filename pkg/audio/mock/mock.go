// Package mock provides in-memory implementations of the [audio.Capturer],
// [audio.CaptureStream], [audio.Player], and [audio.Device] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	player := &mock.Player{}
//	dev := &mock.Device{Capturer: &mock.Capturer{}, PlayerResult: player}
//	sched := playback.New(dev.OpenPlayer)
//	sched.Enqueue(frame)
//	player.Complete() // simulate the device finishing the frame
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// ─── Capturer ─────────────────────────────────────────────────────────────────

// Capturer is a mock implementation of [audio.Capturer].
type Capturer struct {
	mu sync.Mutex

	// Err is returned by Capture when non-nil.
	Err error

	// Rate overrides the sample rate reported by created streams.
	// Zero means the requested rate.
	Rate int

	// CallCountCapture records how many times Capture was called.
	CallCountCapture int

	// Configs records the config passed to each Capture call.
	Configs []audio.CaptureConfig

	streams []*Stream
	created chan *Stream
}

// Capture implements [audio.Capturer].
func (c *Capturer) Capture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	c.mu.Lock()
	c.CallCountCapture++
	c.Configs = append(c.Configs, cfg)
	if c.Err != nil {
		c.mu.Unlock()
		return nil, c.Err
	}
	rate := c.Rate
	if rate == 0 {
		rate = cfg.SampleRate
	}
	s := NewStream(rate)
	c.streams = append(c.streams, s)
	created := c.createdLocked()
	c.mu.Unlock()

	select {
	case created <- s:
	default:
	}
	return s, nil
}

// Streams returns the streams created so far.
func (c *Capturer) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Created returns a channel that receives each stream as it is created.
// Only the first few streams are buffered.
func (c *Capturer) Created() <-chan *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdLocked()
}

// Calls returns how many times Capture was called.
func (c *Capturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountCapture
}

func (c *Capturer) createdLocked() chan *Stream {
	if c.created == nil {
		c.created = make(chan *Stream, 8)
	}
	return c.created
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Tests feed blocks
// with [Stream.Push].
type Stream struct {
	mu         sync.Mutex
	blocks     chan []float32
	closed     chan struct{}
	rate       int
	closeOnce  sync.Once
	closeCalls int
}

// NewStream returns an open stream reporting rate.
func NewStream(rate int) *Stream {
	return &Stream{
		blocks: make(chan []float32),
		closed: make(chan struct{}),
		rate:   rate,
	}
}

// Push delivers block to the consumer. It blocks until the block is received
// and reports false if the stream was closed first.
func (s *Stream) Push(block []float32) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.blocks <- block:
		return true
	case <-s.closed:
		return false
	}
}

// Blocks implements [audio.CaptureStream]. The channel is never closed; the
// consumer observes shutdown through its own context.
func (s *Stream) Blocks() <-chan []float32 { return s.blocks }

// SampleRate implements [audio.CaptureStream].
func (s *Stream) SampleRate() int { return s.rate }

// Close implements [audio.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player]. Frames stay "playing"
// until the test calls [Player.Complete].
type Player struct {
	mu sync.Mutex

	// PlayErr, when set, is called for every Play; a non-nil result rejects
	// the frame.
	PlayErr func(frame audio.AudioFrame) error

	// CloseError is returned by Close.
	CloseError error

	played     []audio.AudioFrame
	pending    []func()
	maxActive  int
	closeCalls int
	started    chan struct{}
}

// Play implements [audio.Player].
func (p *Player) Play(frame audio.AudioFrame, done func()) error {
	p.mu.Lock()
	if p.PlayErr != nil {
		if err := p.PlayErr(frame); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.played = append(p.played, frame)
	p.pending = append(p.pending, done)
	if len(p.pending) > p.maxActive {
		p.maxActive = len(p.pending)
	}
	started := p.startedLocked()
	p.mu.Unlock()

	select {
	case started <- struct{}{}:
	default:
	}
	return nil
}

// Complete finishes the oldest playing frame and invokes its completion.
// It reports false when nothing is playing.
func (p *Player) Complete() bool {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return false
	}
	done := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()
	done()
	return true
}

// Started returns a channel signalled after each accepted Play call.
func (p *Player) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedLocked()
}

// Played returns the frames accepted so far, in order.
func (p *Player) Played() []audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.AudioFrame, len(p.played))
	copy(out, p.played)
	return out
}

// Active returns how many frames are currently playing.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// MaxActive returns the largest number of frames that were playing at once.
func (p *Player) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	p.pending = nil
	return p.CloseError
}

// CloseCalls returns how many times Close was called.
func (p *Player) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *Player) startedLocked() chan struct{} {
	if p.started == nil {
		p.started = make(chan struct{}, 64)
	}
	return p.started
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	*Capturer

	mu sync.Mutex

	// PlayerResult is returned by OpenPlayer.
	PlayerResult *Player

	// OpenErr is returned by OpenPlayer when non-nil.
	OpenErr error

	// OpenGate, when non-nil, holds every OpenPlayer call until it is closed.
	OpenGate chan struct{}

	openCalls  int
	closeCalls int
}

// NewDevice returns a device with a fresh capturer and player.
func NewDevice() *Device {
	return &Device{Capturer: &Capturer{}, PlayerResult: &Player{}}
}

// OpenPlayer implements [audio.Device].
func (d *Device) OpenPlayer() (audio.Player, error) {
	d.mu.Lock()
	d.openCalls++
	gate := d.OpenGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.PlayerResult, nil
}

// SetOpenErr changes the error returned by subsequent OpenPlayer calls.
func (d *Device) SetOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenErr = err
}

// OpenCalls returns how many times OpenPlayer was called.
func (d *Device) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// Compile-time interface assertions.
var (
	_ audio.Capturer      = (*Capturer)(nil)
	_ audio.CaptureStream = (*Stream)(nil)
	_ audio.Player        = (*Player)(nil)
	_ audio.Device        = (*Device)(nil)
)
