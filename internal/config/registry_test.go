package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/livebridge/internal/config"
	"github.com/MrWong99/livebridge/pkg/audio"
	audiomock "github.com/MrWong99/livebridge/pkg/audio/mock"
)

func TestRegistry_CreateBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.AudioConfig
	reg.RegisterBackend("fake", func(cfg config.AudioConfig) (audio.Device, error) {
		got = cfg
		return audiomock.NewDevice(), nil
	})

	dev, err := reg.CreateBackend(config.AudioConfig{Backend: "fake", InputDevice: "mic"})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if dev == nil {
		t.Fatal("CreateBackend returned nil device")
	}
	if got.InputDevice != "mic" {
		t.Errorf("factory got InputDevice %q, want mic", got.InputDevice)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateBackend(config.AudioConfig{Backend: "nope"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("no devices")
	reg.RegisterBackend("broken", func(config.AudioConfig) (audio.Device, error) { return nil, boom })
	_, err := reg.CreateBackend(config.AudioConfig{Backend: "broken"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestRegistry_Backends(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(config.AudioConfig) (audio.Device, error) { return audiomock.NewDevice(), nil }
	reg.RegisterBackend("malgo", factory)
	reg.RegisterBackend("ffmpeg", factory)
	reg.RegisterBackend("malgo", factory)
	if got, want := reg.Backends(), []string{"ffmpeg", "malgo"}; !slices.Equal(got, want) {
		t.Errorf("Backends() = %v, want %v", got, want)
	}
}
