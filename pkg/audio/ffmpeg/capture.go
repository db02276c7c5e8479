package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// Capture implements [audio.Capturer]. Failures to start ffmpeg, and ffmpeg
// exiting within the startup grace period, wrap [audio.ErrPermissionDenied].
func (d *Device) Capture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.WireSampleRate
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}

	cmd := exec.CommandContext(ctx, d.cfg.Command, d.captureArgs(cfg.Device, rate)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: stdout pipe: %w", audio.ErrPermissionDenied, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: start: %w", audio.ErrPermissionDenied, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %w: %s",
				audio.ErrPermissionDenied, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started", audio.ErrPermissionDenied)
	case <-time.After(d.cfg.StartupGrace):
	}

	s := &captureStream{
		cmd:     cmd,
		stdout:  stdout,
		stderr:  &stderr,
		waitErr: waitErr,
		rate:    rate,
		blocks:  make(chan []float32, 4),
		done:    make(chan struct{}),
	}
	go s.read(blockSize)
	return s, nil
}

type captureStream struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	waitErr <-chan error
	rate    int

	blocks chan []float32
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// read is the only sender on blocks and closes it when ffmpeg's output ends.
func (s *captureStream) read(blockSize int) {
	defer close(s.blocks)
	buf := make([]byte, blockSize*audio.BytesPerSample)
	for {
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				select {
				case <-s.done:
				default:
					slog.Warn("ffmpeg: capture read failed", "err", err)
				}
			}
			return
		}
		block := audio.PCM16ToFloat(audio.PCM16Samples(buf))
		select {
		case s.blocks <- block:
		case <-s.done:
			return
		}
	}
}

func (s *captureStream) Blocks() <-chan []float32 { return s.blocks }

func (s *captureStream) SampleRate() int { return s.rate }

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = stopProcess(s.cmd, s.waitErr, s.stderr)
		_ = s.stdout.Close()
	})
	return s.closeErr
}
