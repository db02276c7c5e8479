package audio

import "math"

// resampleTaps is the length of the anti-aliasing filter applied before
// decimation.
const resampleTaps = 33

// Resampler converts a continuous mono stream from one rate to another, one
// block at a time. The interpolation phase and filter history carry over
// between blocks, so feeding a stream in pieces yields the same samples as
// feeding it whole.
//
// When downsampling, input is low-pass filtered below the output Nyquist
// frequency first. A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int64
	taps     []float64
	hist     []float64 // last len(taps)-1 raw input samples

	// pos is the position of the next output sample in units of 1/dst input
	// samples, relative to the start of the next block. It is negative when
	// that sample lies between prev and the next block.
	pos    int64
	prev   float64
	primed bool
}

// NewResampler returns a Resampler from srcRate to dstRate. Rates that are
// equal or not positive make it pass samples through unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{src: int64(srcRate), dst: int64(dstRate)}
	if g := gcd(r.src, r.dst); g > 1 {
		r.src, r.dst = r.src/g, r.dst/g
	}
	if r.passthrough() {
		return r
	}
	if r.dst < r.src {
		r.taps = lowPass(resampleTaps, 0.5*float64(r.dst)/float64(r.src))
		r.hist = make([]float64, resampleTaps-1)
	}
	return r
}

// Process resamples the next block of the stream. The output may be a few
// samples shorter or longer than len(pcm)*dst/src; the difference is carried
// into the next call.
func (r *Resampler) Process(pcm []int16) []int16 {
	if r.passthrough() || len(pcm) == 0 {
		return pcm
	}
	in := r.filter(pcm)

	off := int64(0)
	if r.primed {
		off = 1
	}
	at := func(i int64) float64 {
		if off == 1 {
			if i == 0 {
				return r.prev
			}
			return in[i-1]
		}
		return in[i]
	}
	last := int64(len(in)) - 1 + off

	out := make([]int16, 0, int64(len(in))*r.dst/r.src+1)
	for {
		abs := r.pos + off*r.dst
		idx := abs / r.dst
		if idx >= last {
			break
		}
		frac := float64(abs%r.dst) / float64(r.dst)
		v := at(idx)*(1-frac) + at(idx+1)*frac
		out = append(out, clampPCM16(v))
		r.pos += r.src
	}

	r.pos -= int64(len(in)) * r.dst
	r.prev = in[len(in)-1]
	r.primed = true
	return out
}

// Reset forgets the stream so far; the next block starts a new stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.primed = false
	clear(r.hist)
}

func (r *Resampler) passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// filter converts pcm to float and, when decimating, applies the FIR filter
// with history from the previous block.
func (r *Resampler) filter(pcm []int16) []float64 {
	out := make([]float64, len(pcm))
	if r.taps == nil {
		for i, s := range pcm {
			out[i] = float64(s)
		}
		return out
	}

	n := len(r.hist)
	buf := make([]float64, n+len(pcm))
	copy(buf, r.hist)
	for i, s := range pcm {
		buf[n+i] = float64(s)
	}
	for i := range out {
		var acc float64
		for k, h := range r.taps {
			acc += h * buf[n+i-k]
		}
		out[i] = acc
	}
	copy(r.hist, buf[len(buf)-n:])
	return out
}

// lowPass designs a Hamming-windowed sinc filter with the given cutoff in
// cycles per input sample, normalised to unity gain at DC.
func lowPass(n int, cutoff float64) []float64 {
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	var sum float64
	for i := range taps {
		x := float64(i) - mid
		v := 2 * cutoff
		if x != 0 {
			v = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		v *= 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = v
		sum += v
	}
	for i := range taps {
		taps[i] /= sum
	}
	return taps
}

func clampPCM16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
