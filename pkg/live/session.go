// Package live composes the audio capture pipeline, the bridge transport,
// and the playback scheduler into one live-voice conversation.
//
// A [Session] connects as soon as it is created. Microphone capture starts
// the first time the transport reports [StateConnected]; model audio is
// played in arrival order as it comes in. The session ends when the caller
// invokes [Session.Close] or when the connection fails, and all device
// resources are released either way.
//
// Only connection failures end a session. A refused microphone leaves the
// session listen-only; malformed or unplayable audio frames are dropped and
// counted.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/capture"
	"github.com/MrWong99/livebridge/pkg/audio/playback"
	"github.com/MrWong99/livebridge/pkg/live/transport"
)

// ErrNoDevice is returned by [New] when no audio device was configured.
var ErrNoDevice = errors.New("live: no audio device configured")

// Drop reasons recorded on the frames-dropped metric.
const (
	dropNotConnected = "not_connected"
	dropEncode       = "encode"
	dropSendQueue    = "send_queue"
	dropMalformed    = "malformed"
	dropPlayback     = "playback"
)

// Session is one live-voice conversation. All methods are safe for
// concurrent use.
type Session struct {
	id       string
	log      *slog.Logger
	metrics  *observe.Metrics
	observer Observer
	onClose  func(error)
	opened   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	transport *transport.Transport
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler

	connected atomic.Bool
	speaking  atomic.Bool
	volume    atomic.Uint64
	closing   atomic.Bool
	startOnce sync.Once

	done  chan struct{}
	errMu sync.Mutex
	err   error
}

// New opens a session. systemInstruction is sent to the model in the setup
// message. onClose, if non-nil, is called exactly once when the session ends,
// with nil after [Session.Close] or the connection failure otherwise (which
// matches [transport.ErrConnectionFailure]).
//
// New returns before the connection is established; watch [Observer] or
// [Session.Connected] for progress.
func New(systemInstruction string, onClose func(error), opts ...Option) (*Session, error) {
	o := options{url: DefaultURL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.device == nil {
		return nil, ErrNoDevice
	}
	if err := validateURL(o.url); err != nil {
		return nil, err
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.observer == nil {
		o.observer = ObserverFuncs{}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := observe.StartSpan(ctx, "live.session",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("live.url", o.url),
		),
	)

	s := &Session{
		id:       id,
		log:      observe.SessionLogger(ctx, "live", id),
		metrics:  o.metrics,
		observer: o.observer,
		onClose:  onClose,
		opened:   time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		done:     make(chan struct{}),
	}

	s.scheduler = playback.New(o.device.OpenPlayer,
		playback.WithSpeakingHandler(s.handleSpeaking),
		playback.WithDropHandler(s.handlePlaybackDrop),
	)
	s.pipeline = capture.New(o.device,
		capture.WithBlockSize(o.blockSize),
		capture.WithDeviceRate(o.deviceRate),
		capture.WithDevice(o.inputDevice),
	)

	topts := []transport.Option{transport.WithMalformedHandler(s.handleMalformed)}
	if o.dialer != nil {
		topts = append(topts, transport.WithDialer(o.dialer))
	}
	if o.sendBuffer > 0 {
		topts = append(topts, transport.WithSendBuffer(o.sendBuffer))
	}
	setup := transport.Setup{
		Model:             o.model,
		Voice:             o.voice,
		SystemInstruction: systemInstruction,
	}
	s.transport = transport.New(o.url, setup, s.handleState, s.handleFrame, topts...)

	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.log.Info("live session opening", "url", o.url)
	s.transport.Start()
	return s, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("live: invalid url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("live: url %q must use ws or wss", raw)
	}
	return nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Connected reports whether the transport is currently connected.
func (s *Session) Connected() bool { return s.connected.Load() }

// State returns the transport's connection state.
func (s *Session) State() State { return s.transport.State() }

// Speaking reports whether model audio is currently playing.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Volume returns the RMS level of the most recent microphone block, in [0, 1].
func (s *Session) Volume() float64 { return math.Float64frombits(s.volume.Load()) }

// SetMuted stops (true) or resumes (false) sending microphone audio. Volume
// keeps updating while muted.
func (s *Session) SetMuted(muted bool) {
	s.pipeline.SetMuted(muted)
	s.log.Debug("live session mute changed", "muted", muted)
}

// Muted reports whether microphone audio is withheld.
func (s *Session) Muted() bool { return s.pipeline.Muted() }

// Done is closed once the session has ended and released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended: nil while it is running or after
// [Session.Close], the connection failure otherwise.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session from any state. It is idempotent and never fails.
func (s *Session) Close() error {
	s.teardown(nil)
	return nil
}

func (s *Session) handleState(st State) {
	switch st {
	case StateConnected:
		s.connected.Store(true)
		s.metrics.ConnectDuration.Record(context.Background(), time.Since(s.opened).Seconds())
		s.log.Info("live session connected")
		s.observer.StateChanged(st)
		s.startOnce.Do(func() {
			go s.startCapture()
			go s.openPlayback()
		})
	case StateClosed:
		s.connected.Store(false)
		s.observer.StateChanged(st)
		s.teardown(s.transport.Err())
	}
}

// startCapture runs off the network goroutine so device setup never delays
// inbound audio.
func (s *Session) startCapture() {
	err := s.pipeline.Start(s.ctx, s.sendFrame, s.handleVolume)
	switch {
	case err == nil:
		s.log.Debug("live session capture started")
	case errors.Is(err, capture.ErrStopped):
	case errors.Is(err, audio.ErrPermissionDenied):
		s.log.Warn("microphone unavailable, continuing listen-only", "err", err)
	default:
		s.log.Warn("capture failed to start", "err", err)
	}
}

// openPlayback acquires the output device ahead of the first model turn. A
// failure here is retried when audio arrives.
func (s *Session) openPlayback() {
	err := s.scheduler.Open()
	switch {
	case err == nil:
		s.log.Debug("live session playback opened")
	case errors.Is(err, playback.ErrClosed):
	default:
		s.log.Warn("playback device failed to open", "err", err)
	}
}

func (s *Session) sendFrame(frame audio.AudioFrame) {
	if !s.connected.Load() {
		s.metrics.RecordFrameDropped(context.Background(), dropNotConnected)
		return
	}
	msg, err := transport.AudioMessage(audio.Encode(frame))
	if err != nil {
		s.log.Debug("dropping outbound frame", "err", err)
		s.metrics.RecordFrameDropped(context.Background(), dropEncode)
		return
	}
	if !s.transport.Send(msg) {
		s.metrics.RecordFrameDropped(context.Background(), dropSendQueue)
		return
	}
	s.metrics.FramesSent.Add(context.Background(), 1)
}

func (s *Session) handleFrame(frame audio.AudioFrame) {
	s.metrics.FramesReceived.Add(context.Background(), 1)
	s.scheduler.Enqueue(frame)
}

func (s *Session) handleMalformed(err error) {
	s.log.Debug("dropping malformed inbound audio", "err", err)
	s.metrics.RecordFrameDropped(context.Background(), dropMalformed)
}

func (s *Session) handlePlaybackDrop(err error) {
	s.log.Debug("dropping unplayable frame", "err", err)
	s.metrics.RecordFrameDropped(context.Background(), dropPlayback)
}

func (s *Session) handleSpeaking(speaking bool) {
	s.speaking.Store(speaking)
	s.observer.SpeakingChanged(speaking)
}

func (s *Session) handleVolume(level float64) {
	s.volume.Store(math.Float64bits(level))
	s.observer.VolumeChanged(level)
}

// teardown releases capture, transport, and playback in that order. Only the
// first call does anything; later calls return immediately without waiting.
func (s *Session) teardown(cause error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.cancel()
	if err := s.pipeline.Stop(); err != nil {
		s.log.Debug("stop capture", "err", err)
	}
	_ = s.transport.Close()
	if err := s.scheduler.Close(); err != nil {
		s.log.Debug("close playback", "err", err)
	}
	s.connected.Store(false)
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	s.errMu.Lock()
	s.err = cause
	s.errMu.Unlock()

	if cause != nil {
		s.span.RecordError(cause)
		s.span.SetStatus(codes.Error, cause.Error())
		s.log.Warn("live session closed", "err", cause)
	} else {
		s.log.Info("live session closed")
	}
	s.span.End()
	close(s.done)

	if s.onClose != nil {
		s.onClose(cause)
	}
}
