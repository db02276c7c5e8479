// Package playback schedules received audio frames onto a single output
// device so that they play strictly one after another, in arrival order.
//
// The [Scheduler] is a two-state machine. While Idle, an enqueued frame
// starts immediately. While Playing, frames wait in a FIFO and the next one
// starts from the completion of the current one, so the gap between frames is
// bounded by the device's completion latency rather than by a polling timer.
//
// The output device is opened on a goroutine of its own, never on the
// goroutine calling [Scheduler.Enqueue]. Frames that arrive while the device
// is opening wait in the queue.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Open] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithSpeakingHandler registers fn to observe Idle/Playing transitions.
// fn receives true when playback starts from Idle and false when the queue
// drains. Transitions are delivered in order and never concurrently, without
// the scheduler's lock held. fn may run on the device's completion goroutine
// and should return quickly.
func WithSpeakingHandler(fn func(speaking bool)) Option {
	return func(s *Scheduler) {
		s.onSpeaking = fn
	}
}

// WithDropHandler registers fn to observe frames dropped because the output
// device failed. It is delivered like [WithSpeakingHandler] transitions.
func WithDropHandler(fn func(err error)) Option {
	return func(s *Scheduler) {
		s.onDrop = fn
	}
}

// event is a speaking transition or, when err is set, a dropped frame.
type event struct {
	speaking bool
	err      error
	samples  int
}

// Scheduler plays frames sequentially on a lazily opened [audio.Player].
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	open       func() (audio.Player, error)
	onSpeaking func(bool)
	onDrop     func(error)

	opening sync.WaitGroup

	mu         sync.Mutex
	player     audio.Player
	queue      []audio.AudioFrame
	playing    bool
	acquiring  bool
	gen        uint64 // identifies the frame currently handed to the player
	closed     bool
	events     []event
	delivering bool
}

// New creates a Scheduler. open is called when the first frame needs the
// output device, and again after a failed open.
func New(open func() (audio.Player, error), opts ...Option) *Scheduler {
	s := &Scheduler{open: open}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the output device now instead of on the first frame. It
// returns nil if the device is already open or being opened by another
// goroutine. A failed Open drops nothing; the next frame retries.
func (s *Scheduler) Open() error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.player != nil || s.acquiring:
		s.mu.Unlock()
		return nil
	}
	s.acquiring = true
	s.opening.Add(1)
	s.mu.Unlock()
	return s.acquire()
}

// Enqueue appends frame to the playback queue. If nothing is playing the
// frame starts immediately, or as soon as the device is open. Enqueue after
// [Scheduler.Close] is a no-op.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	if !s.playing {
		s.advanceLocked()
	}
	s.mu.Unlock()
	s.flush()
}

// Playing reports whether a frame is currently being rendered.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Len returns the number of frames waiting behind the current one.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close drops all queued frames and releases the output device. A frame in
// flight is abandoned; its completion is ignored. If the device is still
// opening, Close waits for the open to finish and releases the result.
// Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	if s.playing {
		s.playing = false
		s.emitLocked(event{speaking: false})
	}
	s.mu.Unlock()
	s.flush()

	s.opening.Wait()

	s.mu.Lock()
	p := s.player
	s.player = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("playback: close player: %w", err)
	}
	return nil
}

// acquire opens the device without holding the lock. The caller has set
// acquiring and added to opening.
func (s *Scheduler) acquire() error {
	p, err := s.open()
	if err != nil {
		err = fmt.Errorf("%w: open: %w", audio.ErrPlaybackDevice, err)
	}

	s.mu.Lock()
	s.acquiring = false
	if s.closed {
		s.mu.Unlock()
		if err == nil {
			if cerr := p.Close(); cerr != nil {
				slog.Debug("playback: close player opened after close", "err", cerr)
			}
		}
		s.opening.Done()
		return ErrClosed
	}
	if err != nil {
		if len(s.queue) > 0 {
			frame := s.popLocked()
			s.emitLocked(event{err: err, samples: len(frame.Samples)})
		}
		if len(s.queue) > 0 {
			s.acquireLocked()
		}
	} else {
		s.player = p
		if !s.playing {
			s.advanceLocked()
		}
	}
	s.mu.Unlock()
	s.opening.Done()
	s.flush()
	return err
}

// acquireLocked starts opening the device in the background unless that is
// already under way.
func (s *Scheduler) acquireLocked() {
	if s.acquiring {
		return
	}
	s.acquiring = true
	s.opening.Add(1)
	go func() { _ = s.acquire() }()
}

// complete is the completion callback for the frame identified by gen.
func (s *Scheduler) complete(gen uint64) {
	s.mu.Lock()
	if s.closed || !s.playing || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.advanceLocked()
	s.mu.Unlock()
	s.flush()
}

// advanceLocked starts the next frame the device accepts, or returns the
// scheduler to Idle when the queue is empty. Without a player it starts
// opening one and leaves the queue as is.
func (s *Scheduler) advanceLocked() {
	for len(s.queue) > 0 {
		if s.player == nil {
			s.acquireLocked()
			return
		}
		frame := s.popLocked()
		if err := s.playLocked(frame); err != nil {
			s.emitLocked(event{err: err, samples: len(frame.Samples)})
			continue
		}
		if !s.playing {
			s.playing = true
			s.emitLocked(event{speaking: true})
		}
		return
	}
	if s.playing {
		s.playing = false
		s.emitLocked(event{speaking: false})
	}
}

func (s *Scheduler) popLocked() audio.AudioFrame {
	frame := s.queue[0]
	s.queue[0] = audio.AudioFrame{}
	s.queue = s.queue[1:]
	return frame
}

func (s *Scheduler) playLocked(frame audio.AudioFrame) error {
	s.gen++
	gen := s.gen
	if err := s.player.Play(frame, func() { s.complete(gen) }); err != nil {
		if errors.Is(err, audio.ErrPlaybackDevice) {
			return err
		}
		return fmt.Errorf("%w: %w", audio.ErrPlaybackDevice, err)
	}
	return nil
}

func (s *Scheduler) emitLocked(ev event) {
	s.events = append(s.events, ev)
}

// flush delivers pending events with the lock released. One goroutine
// delivers at a time; events raised meanwhile, including from inside a
// handler, are picked up by that goroutine in order.
func (s *Scheduler) flush() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.events) > 0 {
		ev := s.events[0]
		s.events[0] = event{}
		s.events = s.events[1:]
		s.mu.Unlock()
		s.deliver(ev)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Scheduler) deliver(ev event) {
	if ev.err != nil {
		slog.Warn("playback: dropping frame", "samples", ev.samples, "err", ev.err)
		if s.onDrop != nil {
			s.onDrop(ev.err)
		}
		return
	}
	if s.onSpeaking != nil {
		s.onSpeaking(ev.speaking)
	}
}
