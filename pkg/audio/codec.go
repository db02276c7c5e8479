package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned by [Decode] when the payload is not valid
// base64 or does not contain a whole number of PCM16 samples.
var ErrMalformedPayload = errors.New("audio: malformed payload")

// Encode serialises frame to the wire text form: little-endian PCM16 bytes,
// base64-encoded with the standard padded alphabet. An empty frame encodes to
// the empty string.
func Encode(frame AudioFrame) string {
	return base64.StdEncoding.EncodeToString(PCM16Bytes(frame.Samples))
}

// Decode parses a wire payload produced by [Encode] (or by the remote
// service) back into a frame at [WireSampleRate]. The returned samples do not
// alias data.
func Decode(data string) (AudioFrame, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("%w: base64: %v", ErrMalformedPayload, err)
	}
	if len(raw)%BytesPerSample != 0 {
		return AudioFrame{}, fmt.Errorf("%w: odd byte count %d", ErrMalformedPayload, len(raw))
	}
	return AudioFrame{
		Samples:    PCM16Samples(raw),
		SampleRate: WireSampleRate,
	}, nil
}
