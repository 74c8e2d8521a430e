package dsp

import (
	"fmt"
	"math"
)

// Result describes one processed block
type Result struct {
	Samples   int     `json:"samples"`    // number of samples written to the output block
	BlockPeak float64 `json:"block_peak"` // max |sample| of the processed block
	Peak      float64 `json:"peak"`       // decaying tracked peak after this block
	RMS       float64 `json:"rms"`        // RMS of the normalized, unprocessed block
	Level     float64 `json:"level"`      // mean of the recent RMS history
}

// Processor applies the signal chain block by block and owns the peak and level trackers.
// A Processor is not safe for concurrent use; one goroutine must own it.
type Processor struct {
	params Params
	peak   PeakTracker
	levels LevelHistory
}

// NewProcessor creates a processor for the given parameters
func NewProcessor(params Params) (*Processor, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processing parameters: %w", err)
	}
	return &Processor{params: params}, nil
}

// Params returns the processing parameters
func (p *Processor) Params() Params {
	return p.params
}

// Process normalizes and transforms raw into out and updates the trackers.
// out must hold at least len(raw) samples.
func (p *Processor) Process(width SampleWidth, raw []int32, out []int16) (Result, error) {
	if err := width.Validate(); err != nil {
		return Result{}, err
	}
	if len(out) < len(raw) {
		return Result{}, fmt.Errorf("output block too small: need %d samples, have %d", len(raw), len(out))
	}

	var sumSquares float64
	var blockPeak int32
	for i, r := range raw {
		s := Normalize(width, r)
		sumSquares += float64(s) * float64(s)

		o := p.params.Transform(s)
		out[i] = o

		mag := int32(o)
		if mag < 0 {
			mag = -mag
		}
		if mag > blockPeak {
			blockPeak = mag
		}
	}

	rms := 0.0
	if len(raw) > 0 {
		rms = math.Sqrt(sumSquares / float64(len(raw)))
	}

	peak := p.peak.Update(float64(blockPeak))
	p.levels.Push(rms)

	return Result{
		Samples:   len(raw),
		BlockPeak: float64(blockPeak),
		Peak:      peak,
		RMS:       rms,
		Level:     p.levels.Mean(),
	}, nil
}
