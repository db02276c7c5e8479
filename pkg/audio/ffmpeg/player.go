package ffmpeg

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// playbackLead is how far ahead of the real end of a frame its completion
// fires, so the next frame reaches ffmpeg before the output runs dry.
const playbackLead = 40 * time.Millisecond

// OpenPlayer implements [audio.Device]. It starts one ffmpeg process that
// lives until the player is closed. Errors wrap [audio.ErrPlaybackDevice].
func (d *Device) OpenPlayer() (audio.Player, error) {
	cmd := exec.Command(d.cfg.Command, d.playbackArgs()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: stdin pipe: %w", audio.ErrPlaybackDevice, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: start: %w", audio.ErrPlaybackDevice, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	p := &player{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  &stderr,
		waitErr: waitErr,
		writes:  make(chan []byte, 16),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
	go p.writeLoop()
	return p, nil
}

// player writes frames to ffmpeg's stdin and reports each frame complete
// once its duration has elapsed on a running playhead.
type player struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	waitErr <-chan error
	now     func() time.Time

	writes  chan []byte
	stopped chan struct{}

	mu       sync.Mutex
	playhead time.Time
	timer    *time.Timer
	failed   error
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

func (p *player) Play(frame audio.AudioFrame, done func()) error {
	samples := frame.Samples
	if frame.SampleRate > 0 && frame.SampleRate != audio.WireSampleRate {
		samples = audio.ResampleMono(samples, frame.SampleRate, audio.WireSampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return fmt.Errorf("%w: player closed", audio.ErrPlaybackDevice)
	case p.failed != nil:
		return fmt.Errorf("%w: %w", audio.ErrPlaybackDevice, p.failed)
	}

	select {
	case p.writes <- audio.PCM16Bytes(samples):
	default:
		return fmt.Errorf("%w: ffmpeg input backlog full", audio.ErrPlaybackDevice)
	}

	now := p.now()
	start := p.playhead
	if start.Before(now) {
		start = now
	}
	dur := time.Duration(len(samples)) * time.Second / audio.WireSampleRate
	p.playhead = start.Add(dur)
	wait := max(p.playhead.Sub(now)-playbackLead, 0)
	p.timer = time.AfterFunc(wait, done)
	return nil
}

func (p *player) writeLoop() {
	for {
		select {
		case <-p.stopped:
			return
		case b := <-p.writes:
			if _, err := p.stdin.Write(b); err != nil {
				p.mu.Lock()
				if !p.closed && p.failed == nil {
					p.failed = err
					slog.Warn("ffmpeg: playback write failed", "err", err)
				}
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *player) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()

		close(p.stopped)
		_ = p.stdin.Close()
		p.closeErr = stopProcess(p.cmd, p.waitErr, p.stderr)
	})
	return p.closeErr
}
