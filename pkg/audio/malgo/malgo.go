// Package malgo implements [audio.Device] on miniaudio through
// github.com/gen2brain/malgo.
//
// Capture opens a mono S16 device at the requested rate and groups the
// callback buffers into fixed-size float blocks. Playback opens a 16 kHz mono
// S16 device whose render callback drains the current frame, calls its
// completion on the render thread, and continues with the next frame in the
// same buffer when one was scheduled. The device outputs silence while idle.
package malgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unsafe"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// Config selects devices by name. Empty names use the system default. A name
// matches exactly or as a case-insensitive substring.
type Config struct {
	InputDevice  string
	OutputDevice string
}

// Device is a miniaudio context shared by capture streams and players.
type Device struct {
	cfg Config
	ctx *ma.AllocatedContext

	closeOnce sync.Once
}

// New initialises a miniaudio context with the platform's default backends.
func New(cfg Config) (*Device, error) {
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: " + strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Device{cfg: cfg, ctx: ctx}, nil
}

// Devices lists the names of the available capture and playback devices.
func (d *Device) Devices() (capture, playback []string, err error) {
	for _, kind := range []ma.DeviceType{ma.Capture, ma.Playback} {
		infos, err := d.ctx.Devices(kind)
		if err != nil {
			return nil, nil, fmt.Errorf("malgo: list devices: %w", err)
		}
		for _, info := range infos {
			if kind == ma.Capture {
				capture = append(capture, info.Name())
			} else {
				playback = append(playback, info.Name())
			}
		}
	}
	return capture, playback, nil
}

// Capture implements [audio.Capturer]. Device errors wrap
// [audio.ErrPermissionDenied]. The stream is closed when ctx ends.
func (d *Device) Capture(ctx context.Context, cfg audio.CaptureConfig) (audio.CaptureStream, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.WireSampleRate
	}
	name := cfg.Device
	if name == "" {
		name = d.cfg.InputDevice
	}

	dc := ma.DefaultDeviceConfig(ma.Capture)
	dc.Capture.Format = ma.FormatS16
	dc.Capture.Channels = 1
	dc.SampleRate = uint32(rate)
	dc.Alsa.NoMMap = 1
	if name != "" {
		id, err := d.find(ma.Capture, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
		}
		dc.Capture.DeviceID = id
	}

	s := newStream(cfg.BlockSize, rate)
	dev, err := ma.InitDevice(d.ctx.Context, dc, ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { s.feed(in) },
		Stop: s.end,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: init capture device: %w", audio.ErrPermissionDenied, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: malgo: start capture device: %w", audio.ErrPermissionDenied, err)
	}
	s.dev = dev

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// OpenPlayer implements [audio.Device]. Errors wrap [audio.ErrPlaybackDevice].
func (d *Device) OpenPlayer() (audio.Player, error) {
	dc := ma.DefaultDeviceConfig(ma.Playback)
	dc.Playback.Format = ma.FormatS16
	dc.Playback.Channels = 1
	dc.SampleRate = audio.WireSampleRate
	dc.Alsa.NoMMap = 1
	if d.cfg.OutputDevice != "" {
		id, err := d.find(ma.Playback, d.cfg.OutputDevice)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", audio.ErrPlaybackDevice, err)
		}
		dc.Playback.DeviceID = id
	}

	p := &player{}
	dev, err := ma.InitDevice(d.ctx.Context, dc, ma.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) { p.render(out, int(frames)) },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: init playback device: %w", audio.ErrPlaybackDevice, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: malgo: start playback device: %w", audio.ErrPlaybackDevice, err)
	}
	p.dev = dev
	return p, nil
}

// Close releases the miniaudio context. Streams and players must be closed
// first.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.ctx.Uninit()
		d.ctx.Free()
	})
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

func (d *Device) find(kind ma.DeviceType, name string) (unsafe.Pointer, error) {
	infos, err := d.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo: list devices: %w", err)
	}
	lower := strings.ToLower(name)
	for i := range infos {
		if infos[i].Name() == name {
			return infos[i].ID.Pointer(), nil
		}
	}
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), lower) {
			return infos[i].ID.Pointer(), nil
		}
	}
	return nil, fmt.Errorf("malgo: no device matching %q", name)
}

var _ audio.Device = (*Device)(nil)
