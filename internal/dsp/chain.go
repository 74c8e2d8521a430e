package dsp

import (
	"fmt"
	"math"
)

const (
	// FullScale is the largest magnitude an output sample may take
	FullScale = 32767
	// CompressionKnee is the magnitude above which the compressor attenuates
	CompressionKnee = 16383

	// MaxGainPercent bounds the configurable gain
	MaxGainPercent = 400
)

// Params holds the gain, noise gate and compression settings of a run.
// Percentages are in [0,100] except gain, which may boost up to MaxGainPercent.
type Params struct {
	GainPercent        float64 `json:"gain_percent" yaml:"gain_percent"`
	NoiseGatePercent   float64 `json:"noise_gate_percent" yaml:"noise_gate_percent"`
	CompressionPercent float64 `json:"compression_percent" yaml:"compression_percent"`
}

// DefaultParams returns unity gain with the gate and compressor disabled
func DefaultParams() Params {
	return Params{GainPercent: 100}
}

// Validate checks the parameter ranges
func (p Params) Validate() error {
	if p.GainPercent < 0 || p.GainPercent > MaxGainPercent {
		return fmt.Errorf("gain_percent must be between 0 and %d, got %g", MaxGainPercent, p.GainPercent)
	}
	if p.NoiseGatePercent < 0 || p.NoiseGatePercent > 100 {
		return fmt.Errorf("noise_gate_percent must be between 0 and 100, got %g", p.NoiseGatePercent)
	}
	if p.CompressionPercent < 0 || p.CompressionPercent > 100 {
		return fmt.Errorf("compression_percent must be between 0 and 100, got %g", p.CompressionPercent)
	}
	return nil
}

// GateThreshold converts a gate percentage into an absolute sample magnitude
func GateThreshold(gatePercent float64) float64 {
	return FullScale * gatePercent / 100
}

// ApplyGate zeroes samples quieter than threshold and pulls louder ones
// toward zero by the threshold amount. A non-positive threshold disables it.
func ApplyGate(s, threshold float64) float64 {
	if threshold <= 0 {
		return s
	}
	if math.Abs(s) < threshold {
		return 0
	}
	if s > 0 {
		return s - threshold
	}
	return s + threshold
}

// ApplyGain scales a sample linearly by gainPercent/100
func ApplyGain(s, gainPercent float64) float64 {
	return s * gainPercent / 100
}

// ApplyCompression attenuates the part of a sample above CompressionKnee by
// (1 - compressionPercent/100), preserving sign. Samples at or below the knee
// pass unchanged.
func ApplyCompression(s, compressionPercent float64) float64 {
	if compressionPercent <= 0 {
		return s
	}
	mag := math.Abs(s)
	if mag <= CompressionKnee {
		return s
	}
	mag = CompressionKnee + (mag-CompressionKnee)*(1-compressionPercent/100)
	if s < 0 {
		return -mag
	}
	return mag
}

// Clip clamps a sample to [-FullScale, FullScale] and truncates it to int16
func Clip(s float64) int16 {
	if s > FullScale {
		return FullScale
	}
	if s < -FullScale {
		return -FullScale
	}
	return int16(s)
}

// Transform runs one normalized sample through gate, gain, compression and
// clip, in that order.
func (p Params) Transform(s int32) int16 {
	v := float64(s)
	v = ApplyGate(v, GateThreshold(p.NoiseGatePercent))
	v = ApplyGain(v, p.GainPercent)
	v = ApplyCompression(v, p.CompressionPercent)
	return Clip(v)
}
