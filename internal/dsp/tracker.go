package dsp

// PeakDecay is the factor applied to the held peak every block
const PeakDecay = 0.8

// LevelHistorySize is the number of block RMS values averaged for the level meter
const LevelHistorySize = 10

// PeakTracker holds a peak value that decays geometrically unless a louder block arrives.
// It is a smoothing filter, not a historical maximum.
type PeakTracker struct {
	peak float64
}

// Update folds one block peak into the tracker and returns the new tracked peak
func (t *PeakTracker) Update(blockPeak float64) float64 {
	decayed := t.peak * PeakDecay
	if blockPeak > decayed {
		t.peak = blockPeak
	} else {
		t.peak = decayed
	}
	return t.peak
}

// Peak returns the current tracked peak
func (t *PeakTracker) Peak() float64 {
	return t.peak
}

// Reset returns the tracker to silence
func (t *PeakTracker) Reset() {
	t.peak = 0
}

// LevelHistory is a fixed ring of recent block RMS values
type LevelHistory struct {
	values [LevelHistorySize]float64
	index  int
}

// Push records an RMS value at the current slot and advances the ring
func (h *LevelHistory) Push(rms float64) {
	h.values[h.index] = rms
	h.index = (h.index + 1) % LevelHistorySize
}

// Mean returns the arithmetic mean over every slot of the ring.
// Slots not yet written count as silence.
func (h *LevelHistory) Mean() float64 {
	var sum float64
	for _, v := range h.values {
		sum += v
	}
	return sum / LevelHistorySize
}

// Values returns a copy of the ring in slot order
func (h *LevelHistory) Values() []float64 {
	out := make([]float64, LevelHistorySize)
	copy(out, h.values[:])
	return out
}
