// Package capture turns a microphone stream into wire-ready PCM frames.
//
// For every block delivered by the device the [Pipeline] reports the block's
// RMS level, and, unless muted, converts it to PCM16 at the target rate and
// hands it to the frame callback. Volume is reported even while muted.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// DefaultBlockSize is the number of samples per captured block.
const DefaultBlockSize = 4096

var (
	// ErrAlreadyStarted is returned by a second call to [Pipeline.Start].
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrStopped is returned by [Pipeline.Start] after [Pipeline.Stop].
	ErrStopped = errors.New("capture: pipeline stopped")
)

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize sets the samples per block. Values below 256 are ignored.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n >= 256 {
			p.blockSize = n
		}
	}
}

// WithTargetRate sets the rate of emitted frames. Defaults to
// [audio.WireSampleRate].
func WithTargetRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.targetRate = hz
		}
	}
}

// WithDeviceRate sets the sample rate requested from the device. Blocks are
// resampled to the target rate when the device rate differs. Defaults to the
// target rate.
func WithDeviceRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.deviceRate = hz
		}
	}
}

// WithDevice selects the input device by name.
func WithDevice(name string) Option {
	return func(p *Pipeline) {
		p.device = name
	}
}

// Pipeline owns one microphone stream. It can be started once.
type Pipeline struct {
	capturer   audio.Capturer
	blockSize  int
	targetRate int
	deviceRate int
	device     string

	muted atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	stream  audio.CaptureStream
	cancel  context.CancelFunc
}

// New creates a Pipeline reading from c.
func New(c audio.Capturer, opts ...Option) *Pipeline {
	p := &Pipeline{
		capturer:   c,
		blockSize:  DefaultBlockSize,
		targetRate: audio.WireSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	if p.deviceRate == 0 {
		p.deviceRate = p.targetRate
	}
	return p
}

// Start opens the microphone and begins delivering blocks. onFrame receives
// PCM frames at the target rate; onVolume receives the RMS level of every
// block. Both run on the pipeline's goroutine and must not block for long.
//
// Device failures are returned wrapping [audio.ErrPermissionDenied].
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.AudioFrame), onVolume func(float64)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	stream, err := p.capturer.Capture(ctx, audio.CaptureConfig{
		BlockSize:  p.blockSize,
		SampleRate: p.deviceRate,
		Device:     p.device,
	})
	if err != nil {
		cancel()
		if errors.Is(err, audio.ErrPermissionDenied) {
			return fmt.Errorf("capture: start: %w", err)
		}
		return fmt.Errorf("capture: start: %w: %w", audio.ErrPermissionDenied, err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = stream.Close()
		return ErrStopped
	}
	p.stream = stream
	p.mu.Unlock()

	go p.run(ctx, stream, onFrame, onVolume)
	return nil
}

// SetMuted suppresses (true) or resumes (false) frame delivery. Volume
// reporting continues while muted.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports whether frame delivery is suppressed.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Stop releases the microphone. It is idempotent and safe to call before
// Start, in which case a later Start returns [ErrStopped].
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stream, cancel := p.stream, p.cancel
	p.stream = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, stream audio.CaptureStream, onFrame func(audio.AudioFrame), onVolume func(float64)) {
	rate := stream.SampleRate()
	if rate <= 0 {
		rate = p.targetRate
	}
	var rs *audio.Resampler
	if rate != p.targetRate {
		slog.Info("capture: resampling microphone input", "from", rate, "to", p.targetRate)
		rs = audio.NewResampler(rate, p.targetRate)
	}

	var ts time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-stream.Blocks():
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("capture: microphone stream ended")
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.process(block, rs, ts, onFrame, onVolume)
			ts += time.Duration(len(block)) * time.Second / time.Duration(rate)
		}
	}
}

// process reports the block's level and emits it as a frame. rs is nil when
// the device already runs at the target rate.
func (p *Pipeline) process(block []float32, rs *audio.Resampler, ts time.Duration, onFrame func(audio.AudioFrame), onVolume func(float64)) {
	muted := p.muted.Load()
	if onVolume != nil {
		onVolume(audio.RMS(block))
	}
	if muted || onFrame == nil {
		if rs != nil {
			// Frames resume as a new stream after the gap.
			rs.Reset()
		}
		return
	}
	pcm := audio.FloatToPCM16(block)
	if rs != nil {
		pcm = rs.Process(pcm)
	}
	onFrame(audio.AudioFrame{
		Samples:    pcm,
		SampleRate: p.targetRate,
		Timestamp:  ts,
	})
}
