package live

import (
	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/live/transport"
)

// DefaultURL is the bridge endpoint used when [WithURL] is not given.
var DefaultURL = transport.EndpointURL("localhost:8080", false)

// Option is a functional option for configuring a Session.
type Option func(*options)

type options struct {
	url         string
	device      audio.Device
	dialer      transport.Dialer
	model       string
	voice       string
	blockSize   int
	deviceRate  int
	inputDevice string
	sendBuffer  int
	observer    Observer
	metrics     *observe.Metrics
}

// WithURL sets the bridge endpoint. See [transport.EndpointURL] for building
// one from a host name.
func WithURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithDevice sets the audio device used for capture and playback. Required.
func WithDevice(d audio.Device) Option {
	return func(o *options) { o.device = d }
}

// WithDialer replaces the websocket dialer. Primarily used in tests.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithModel sets the model requested in the setup message.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithVoice sets the prebuilt voice requested in the setup message.
func WithVoice(voice string) Option {
	return func(o *options) { o.voice = voice }
}

// WithBlockSize sets the number of microphone samples per outbound frame.
func WithBlockSize(n int) Option {
	return func(o *options) { o.blockSize = n }
}

// WithCaptureRate sets the sample rate requested from the microphone.
// Captured audio is resampled to 16 kHz regardless.
func WithCaptureRate(hz int) Option {
	return func(o *options) { o.deviceRate = hz }
}

// WithInputDevice selects the microphone by name.
func WithInputDevice(name string) Option {
	return func(o *options) { o.inputDevice = name }
}

// WithSendBuffer bounds the outbound message queue.
func WithSendBuffer(n int) Option {
	return func(o *options) { o.sendBuffer = n }
}

// WithObserver registers callbacks for state, speaking, and volume changes.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
