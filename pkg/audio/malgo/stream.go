package malgo

import (
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/livebridge/pkg/audio"
)

const streamBuffer = 8

// stream groups capture callback buffers into blocks of blockSize samples.
type stream struct {
	dev       *ma.Device
	blockSize int
	rate      int

	blocks chan []float32
	done   chan struct{}

	mu      sync.Mutex
	pending []float32
	dropped int
	ended   bool

	closeOnce sync.Once
}

func newStream(blockSize, rate int) *stream {
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &stream{
		blockSize: blockSize,
		rate:      rate,
		blocks:    make(chan []float32, streamBuffer),
		done:      make(chan struct{}),
		pending:   make([]float32, 0, blockSize),
	}
}

// feed runs on the capture thread. It never blocks: when the consumer falls
// behind, whole blocks are dropped.
func (s *stream) feed(in []byte) {
	samples := audio.PCM16ToFloat(audio.PCM16Samples(in))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	for len(samples) > 0 {
		n := min(s.blockSize-len(s.pending), len(samples))
		s.pending = append(s.pending, samples[:n]...)
		samples = samples[n:]
		if len(s.pending) < s.blockSize {
			return
		}
		block := s.pending
		s.pending = make([]float32, 0, s.blockSize)
		select {
		case s.blocks <- block:
		case <-s.done:
			return
		default:
			s.dropped++
			if s.dropped == 1 || s.dropped%100 == 0 {
				slog.Debug("malgo: capture consumer behind, dropping block", "dropped", s.dropped)
			}
		}
	}
}

// end closes blocks. It runs when the device stops, whether through Close or
// because the device went away; feed sends nothing afterwards.
func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.blocks)
}

func (s *stream) Blocks() <-chan []float32 { return s.blocks }

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.dev != nil {
			s.dev.Uninit()
		}
		s.end()
	})
	return nil
}
