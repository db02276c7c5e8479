package audio

import (
	"encoding/binary"
	"math"
)

// PCM16Bytes serialises samples as little-endian int16.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// PCM16Samples parses little-endian int16 samples from b. A trailing odd byte
// is ignored; callers that must reject it check the length first.
func PCM16Samples(b []byte) []int16 {
	out := make([]int16, len(b)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))
	}
	return out
}

// FloatToPCM16 clamps each sample to [-1, 1] and scales it by 32767.
// NaN maps to silence.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		switch {
		case s != s:
			s = 0
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * math.MaxInt16))
	}
	return out
}

// PCM16ToFloat scales int16 samples into [-1, 1).
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// RMS returns the root-mean-square amplitude of block, clamped to [0, 1].
// An empty block has level 0.
func RMS(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		if s != s {
			continue
		}
		v := float64(s)
		sum += v * v
	}
	level := math.Sqrt(sum / float64(len(block)))
	if level > 1 {
		return 1
	}
	return level
}

// ResampleMono converts mono PCM from srcRate to dstRate using linear
// interpolation. The input is returned unchanged when the rates match or
// either rate is not positive.
func ResampleMono(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	n := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := pcm[idx]
		s1 := s0
		if idx+1 < len(pcm) {
			s1 = pcm[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
