package dsp

import (
	"fmt"
	"math"
)

// SampleWidth identifies how raw samples are laid out by the capture device
type SampleWidth int

const (
	// Width16 is signed 16-bit PCM, already in output range
	Width16 SampleWidth = 16
	// Width24 is 24-bit data left-justified in a 32-bit container (INMP441 over I2S)
	Width24 SampleWidth = 24
	// Width32 is full-scale signed 32-bit PCM
	Width32 SampleWidth = 32
)

// Validate checks that the width is one the pipeline knows how to normalize
func (w SampleWidth) Validate() error {
	switch w {
	case Width16, Width24, Width32:
		return nil
	default:
		return fmt.Errorf("unsupported sample width: %d bits (expected 16, 24 or 32)", int(w))
	}
}

// BytesPerSample returns the container size of one raw sample on the wire
func (w SampleWidth) BytesPerSample() int {
	if w == Width16 {
		return 2
	}
	return 4
}

// String returns a human-readable representation of the width
func (w SampleWidth) String() string {
	switch w {
	case Width16:
		return "16-bit"
	case Width24:
		return "24-in-32-bit"
	case Width32:
		return "32-bit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(w))
	}
}

// Normalize converts one raw sample of the given width into the 16-bit range.
// Wider samples discard their low-order bits with an arithmetic shift; the
// result is saturated to [math.MinInt16, math.MaxInt16].
func Normalize(w SampleWidth, raw int32) int32 {
	var s int32
	switch w {
	case Width24:
		s = (raw >> 8) >> 8
	case Width32:
		s = raw >> 16
	default:
		s = raw
	}
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return s
}
