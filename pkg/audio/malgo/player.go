package malgo

import (
	"errors"
	"fmt"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/livebridge/pkg/audio"
)

var errBusy = errors.New("malgo: player already has a frame in flight")

// player renders one frame at a time on a 16 kHz mono device.
type player struct {
	dev *ma.Device

	mu     sync.Mutex
	cur    []int16
	pos    int
	done   func()
	closed bool
}

func (p *player) Play(frame audio.AudioFrame, done func()) error {
	samples := frame.Samples
	if frame.SampleRate > 0 && frame.SampleRate != audio.WireSampleRate {
		samples = audio.ResampleMono(samples, frame.SampleRate, audio.WireSampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return fmt.Errorf("%w: player closed", audio.ErrPlaybackDevice)
	case p.cur != nil:
		return fmt.Errorf("%w: %w", audio.ErrPlaybackDevice, errBusy)
	}
	if len(samples) == 0 {
		go done()
		return nil
	}
	p.cur, p.pos, p.done = samples, 0, done
	return nil
}

// render fills out with frames samples of S16LE audio. When the current frame
// ends its completion runs here, and a frame scheduled by that completion
// continues in the same buffer. The remainder is silence.
func (p *player) render(out []byte, frames int) {
	written := 0
	for written < frames {
		p.mu.Lock()
		n := 0
		if p.cur != nil {
			n = min(frames-written, len(p.cur)-p.pos)
			for i := range n {
				v := uint16(p.cur[p.pos+i])
				out[2*(written+i)] = byte(v)
				out[2*(written+i)+1] = byte(v >> 8)
			}
			p.pos += n
		}
		written += n
		var finished func()
		if p.cur != nil && p.pos >= len(p.cur) {
			finished = p.done
			p.cur, p.pos, p.done = nil, 0, nil
		}
		p.mu.Unlock()

		if finished == nil {
			break
		}
		finished()
	}
	clear(out[2*written : 2*frames])
}

func (p *player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cur, p.done = nil, nil
	p.mu.Unlock()

	if p.dev != nil {
		p.dev.Uninit()
	}
	return nil
}
