package capture

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/los3r5/ESP32/internal/dsp"
)

// ToneSource synthesises a sine wave at the given width, the way an INMP441
// would deliver a steady tone. Used for demos and tests.
type ToneSource struct {
	width      dsp.SampleWidth
	sampleRate int
	frequency  float64
	amplitude  float64 // 0..1 of full scale
	phase      float64
	realtime   bool
	pace       pacer
	closed     atomic.Bool
}

// NewToneSource creates a tone generator. realtime paces Read at the sample rate.
func NewToneSource(width dsp.SampleWidth, sampleRate int, frequency, amplitude float64, realtime bool) (*ToneSource, error) {
	if err := width.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if amplitude < 0 || amplitude > 1 {
		return nil, fmt.Errorf("amplitude must be between 0 and 1, got %g", amplitude)
	}

	return &ToneSource{
		width:      width,
		sampleRate: sampleRate,
		frequency:  frequency,
		amplitude:  amplitude,
		realtime:   realtime,
		pace:       pacer{sampleRate: sampleRate},
	}, nil
}

// Read fills dst with the next samples of the tone
func (s *ToneSource) Read(ctx context.Context, dst []int32) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.realtime {
		if err := s.pace.wait(ctx, len(dst)); err != nil {
			return 0, err
		}
	}

	step := 2 * math.Pi * s.frequency / float64(s.sampleRate)
	for i := range dst {
		dst[i] = s.sample(s.amplitude * math.Sin(s.phase))
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return len(dst), nil
}

// sample scales v in [-1,1] to the raw container of the source width
func (s *ToneSource) sample(v float64) int32 {
	switch s.width {
	case dsp.Width24:
		// 24-bit value left-justified in 32 bits
		return int32(v*8388607) << 8
	case dsp.Width32:
		return int32(v * math.MaxInt32)
	default:
		return int32(v * math.MaxInt16)
	}
}

func (s *ToneSource) Width() dsp.SampleWidth { return s.width }

func (s *ToneSource) SampleRate() int { return s.sampleRate }

func (s *ToneSource) Close() error {
	s.closed.Store(true)
	return nil
}
