package audio

import "time"

const (
	// WireSampleRate is the sample rate of every frame exchanged with the
	// live-voice service, in both directions.
	WireSampleRate = 16000

	// MIMEType tags base64 payloads carrying little-endian mono PCM16 at
	// [WireSampleRate]. Inbound payloads with any other MIME type are ignored.
	MIMEType = "audio/pcm;rate=16000"

	// BytesPerSample is the size of one PCM16 sample on the wire.
	BytesPerSample = 2
)

// AudioFrame is a block of mono signed 16-bit PCM samples.
//
// The int16 sample type bounds every value to [-32768, 32767]; producers
// converting from float input clamp before narrowing (see [FloatToPCM16]).
type AudioFrame struct {
	// Samples holds mono PCM in playback order.
	Samples []int16

	// SampleRate in Hz. Frames on the wire are always [WireSampleRate].
	SampleRate int

	// Timestamp marks the frame's start relative to the start of its stream.
	Timestamp time.Duration
}

// Duration reports how long the frame plays at its sample rate.
// It returns 0 when the rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
