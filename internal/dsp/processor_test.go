package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeakTracker_Decay(t *testing.T) {
	blockPeaks := []float64{1000, 0, 0, 900, 500, 2000, 0}

	var tracker PeakTracker
	expected := 0.0
	for i, p := range blockPeaks {
		expected = math.Max(p, expected*PeakDecay)
		got := tracker.Update(p)
		assert.InDelta(t, expected, got, 1e-9, "block %d", i)
	}

	tracker.Reset()
	assert.Zero(t, tracker.Peak())
}

func TestPeakTracker_NonIncreasingWithoutLouderBlock(t *testing.T) {
	var tracker PeakTracker
	tracker.Update(30000)
	prev := tracker.Peak()
	for i := 0; i < 40; i++ {
		cur := tracker.Update(100)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 100.0, prev)
}

func TestLevelHistory_WrapsAndAverages(t *testing.T) {
	var h LevelHistory
	h.Push(100)
	assert.InDelta(t, 10.0, h.Mean(), 1e-9)

	for i := 0; i < LevelHistorySize; i++ {
		h.Push(50)
	}
	assert.InDelta(t, 50.0, h.Mean(), 1e-9)

	// the oldest slot is overwritten first
	h.Push(150)
	values := h.Values()
	assert.Equal(t, 150.0, values[1])
	assert.InDelta(t, 60.0, h.Mean(), 1e-9)
}

func TestProcessor_SilentBlock(t *testing.T) {
	p, err := NewProcessor(Params{GainPercent: 100, NoiseGatePercent: 20})
	require.NoError(t, err)

	raw := make([]int32, 256)
	out := make([]int16, 256)
	res, err := p.Process(Width32, raw, out)
	require.NoError(t, err)

	assert.Equal(t, 256, res.Samples)
	assert.Zero(t, res.BlockPeak)
	assert.Zero(t, res.Peak)
	assert.Zero(t, res.RMS)
	assert.Zero(t, res.Level)
	for _, s := range out {
		assert.Zero(t, s)
	}
}

func TestProcessor_PeakAndLevel(t *testing.T) {
	p, err := NewProcessor(Params{GainPercent: 200})
	require.NoError(t, err)

	raw := []int32{1000, -3000, 2000, 0}
	out := make([]int16, 8)
	res, err := p.Process(Width16, raw, out)
	require.NoError(t, err)

	assert.Equal(t, []int16{2000, -6000, 4000, 0}, out[:4])
	assert.Equal(t, 6000.0, res.BlockPeak)
	assert.Equal(t, 6000.0, res.Peak)

	// RMS is measured before gain
	expectedRMS := math.Sqrt((1000.0*1000 + 3000.0*3000 + 2000.0*2000) / 4)
	assert.InDelta(t, expectedRMS, res.RMS, 1e-9)
	assert.InDelta(t, expectedRMS/LevelHistorySize, res.Level, 1e-9)

	res, err = p.Process(Width16, []int32{10, -10}, out)
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.BlockPeak)
	assert.InDelta(t, 4800.0, res.Peak, 1e-9)
}

func TestProcessor_Errors(t *testing.T) {
	_, err := NewProcessor(Params{GainPercent: 1000})
	assert.Error(t, err)

	p, err := NewProcessor(DefaultParams())
	require.NoError(t, err)

	_, err = p.Process(SampleWidth(12), []int32{1}, make([]int16, 1))
	assert.ErrorContains(t, err, "unsupported sample width")

	_, err = p.Process(Width16, []int32{1, 2, 3}, make([]int16, 2))
	assert.ErrorContains(t, err, "output block too small")
}
