package main

import (
	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/ffmpeg"
	"github.com/MrWong99/livebridge/pkg/audio/malgo"
)

// registerBuiltinBackends registers the audio backends that ship with
// livebridge.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("malgo", func(c config.AudioConfig) (audio.Device, error) {
		dev, err := malgo.New(malgo.Config{
			InputDevice:  c.InputDevice,
			OutputDevice: c.OutputDevice,
		})
		if err != nil {
			return nil, err
		}
		return dev, nil
	})
	reg.RegisterBackend("ffmpeg", func(c config.AudioConfig) (audio.Device, error) {
		return ffmpeg.New(ffmpeg.Config{
			Command:      c.FFmpegCommand,
			InputFormat:  c.InputFormat,
			InputDevice:  c.InputDevice,
			OutputFormat: c.OutputFormat,
			OutputDevice: c.OutputDevice,
		}), nil
	})
}
