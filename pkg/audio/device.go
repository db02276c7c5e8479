// Package audio defines the PCM frame type, its wire codec, and the device
// abstractions used by the live-voice session.
//
// Hardware access lives behind [Capturer] and [Player] so the capture
// pipeline and the playback scheduler can be driven by real backends
// (audio/malgo, audio/ffmpeg) or by the in-memory fakes in audio/mock.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied reports that the microphone could not be opened,
	// either because access was refused or because no input device exists.
	ErrPermissionDenied = errors.New("audio: microphone access denied")

	// ErrPlaybackDevice reports that the output device could not be opened
	// or rejected a frame.
	ErrPlaybackDevice = errors.New("audio: playback device error")
)

// CaptureConfig describes the stream requested from a [Capturer].
type CaptureConfig struct {
	// BlockSize is the number of samples per delivered block.
	BlockSize int

	// SampleRate is the preferred rate. Backends may deliver a different
	// rate; callers read the actual one from [CaptureStream.SampleRate].
	SampleRate int

	// Device selects an input device by name. Empty means the system default.
	Device string
}

// CaptureStream delivers mono float blocks in [-1, 1] from an input device.
type CaptureStream interface {
	// Blocks returns the block channel. It is closed when the stream ends.
	Blocks() <-chan []float32

	// SampleRate reports the rate of delivered blocks in Hz.
	SampleRate() int

	// Close stops the device. It is safe to call more than once.
	Close() error
}

// Capturer opens microphone streams.
type Capturer interface {
	// Capture opens an input stream. Failures to obtain the device should
	// wrap [ErrPermissionDenied].
	Capture(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)
}

// Player renders frames on an output device, one at a time.
//
// Play hands a single frame to the device and returns without waiting for it
// to finish. The device invokes done exactly once when the last sample of the
// frame has been rendered. done is never invoked from within Play, and may
// itself call Play to start the next frame.
type Player interface {
	Play(frame AudioFrame, done func()) error

	// Close releases the output device. Pending completions are discarded.
	Close() error
}

// Device bundles capture and playback for one audio backend.
type Device interface {
	Capturer

	// OpenPlayer opens the output device.
	OpenPlayer() (Player, error)

	// Close releases backend resources shared by streams and players.
	Close() error
}
