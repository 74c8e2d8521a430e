package capture

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/los3r5/ESP32/internal/audio"
	"github.com/los3r5/ESP32/internal/dsp"
)

// WAVSource replays a 16-bit mono WAV file in a loop
type WAVSource struct {
	samples    []int16
	sampleRate int
	pos        int
	realtime   bool
	pace       pacer
	closed     atomic.Bool
}

// OpenWAV loads the file at path into memory
func OpenWAV(path string, realtime bool) (*WAVSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}

	samples, sampleRate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV file %s: %w", path, err)
	}

	return NewWAVSource(samples, sampleRate, realtime), nil
}

// NewWAVSource replays samples that are already in memory
func NewWAVSource(samples []int16, sampleRate int, realtime bool) *WAVSource {
	return &WAVSource{
		samples:    samples,
		sampleRate: sampleRate,
		realtime:   realtime,
		pace:       pacer{sampleRate: sampleRate},
	}
}

// Read fills dst with the next samples, wrapping to the start of the file at the end
func (s *WAVSource) Read(ctx context.Context, dst []int32) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(s.samples) == 0 {
		return 0, fmt.Errorf("%w: WAV file has no samples", ErrCapture)
	}
	if s.realtime {
		if err := s.pace.wait(ctx, len(dst)); err != nil {
			return 0, err
		}
	}

	for i := range dst {
		dst[i] = int32(s.samples[s.pos])
		s.pos++
		if s.pos == len(s.samples) {
			s.pos = 0
		}
	}
	return len(dst), nil
}

func (s *WAVSource) Width() dsp.SampleWidth { return dsp.Width16 }

func (s *WAVSource) SampleRate() int { return s.sampleRate }

func (s *WAVSource) Close() error {
	s.closed.Store(true)
	return nil
}
