package live

import "github.com/MrWong99/livebridge/pkg/live/transport"

// State is the connection state of a session.
type State = transport.State

const (
	StateConnecting = transport.StateConnecting
	StateConnected  = transport.StateConnected
	StateClosed     = transport.StateClosed
)

// Observer receives session changes. Methods are called from the session's
// internal goroutines and must return quickly.
type Observer interface {
	StateChanged(State)
	SpeakingChanged(speaking bool)
	VolumeChanged(level float64)
}

// ObserverFuncs adapts plain functions to [Observer]. Nil fields are skipped.
type ObserverFuncs struct {
	OnState    func(State)
	OnSpeaking func(bool)
	OnVolume   func(float64)
}

func (f ObserverFuncs) StateChanged(s State) {
	if f.OnState != nil {
		f.OnState(s)
	}
}

func (f ObserverFuncs) SpeakingChanged(speaking bool) {
	if f.OnSpeaking != nil {
		f.OnSpeaking(speaking)
	}
}

func (f ObserverFuncs) VolumeChanged(level float64) {
	if f.OnVolume != nil {
		f.OnVolume(level)
	}
}

var _ Observer = ObserverFuncs{}
