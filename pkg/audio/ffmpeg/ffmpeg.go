// Package ffmpeg implements [audio.Device] by running ffmpeg as a child
// process: one process per capture stream reading the microphone into
// s16le on stdout, and one per player writing s16le from stdin to the output
// device.
//
// It needs no cgo and works wherever ffmpeg has an input and output device
// for the platform (pulse or alsa on Linux, avfoundation and audiotoolbox on
// macOS).
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/MrWong99/livebridge/pkg/audio"
)

const (
	defaultCommand      = "ffmpeg"
	defaultStartupGrace = 250 * time.Millisecond
	stopTimeout         = 1200 * time.Millisecond
)

// Config configures a [Device]. Empty fields get platform defaults.
type Config struct {
	Command      string
	InputFormat  string
	InputDevice  string
	OutputFormat string
	OutputDevice string

	// StartupGrace is how long a capture process must stay alive before the
	// stream is handed out. An earlier exit usually means the device was
	// refused.
	StartupGrace time.Duration
}

// Device starts ffmpeg processes on demand. It holds no resources itself.
type Device struct {
	cfg Config
}

// New returns a Device with platform defaults applied to cfg.
func New(cfg Config) *Device {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = defaultStartupGrace
	}
	inFmt, inDev, outFmt, outDev := platformDefaults(runtime.GOOS)
	if cfg.InputFormat == "" {
		cfg.InputFormat = inFmt
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = inDev
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = outFmt
	}
	if cfg.OutputDevice == "" {
		cfg.OutputDevice = outDev
	}
	return &Device{cfg: cfg}
}

func platformDefaults(goos string) (inFmt, inDev, outFmt, outDev string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0", "audiotoolbox", "0"
	case "windows":
		return "dshow", "audio=default", "sdl2", "livebridge"
	default:
		return "pulse", "default", "pulse", "default"
	}
}

// captureArgs builds the ffmpeg arguments for a mono s16le capture at rate.
func (d *Device) captureArgs(device string, rate int) []string {
	if device == "" {
		device = d.cfg.InputDevice
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"-",
	}
}

// playbackArgs builds the ffmpeg arguments for 16 kHz mono s16le playback
// from stdin.
func (d *Device) playbackArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.WireSampleRate),
		"-ac", "1",
		"-i", "-",
		"-f", d.cfg.OutputFormat,
		d.cfg.OutputDevice,
	}
}

// Close implements [audio.Device]. Streams and players own their processes.
func (d *Device) Close() error { return nil }

// stopProcess interrupts cmd, kills it if it has not exited within
// stopTimeout, and returns its exit error. Exit statuses caused by the
// interrupt are not errors.
func stopProcess(cmd *exec.Cmd, waitErr <-chan error, stderr *bytes.Buffer) error {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}
	var err error
	select {
	case err = <-waitErr:
	case <-time.After(stopTimeout):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		err = <-waitErr
	}
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	if stderr != nil && stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return err
}

var _ audio.Device = (*Device)(nil)
