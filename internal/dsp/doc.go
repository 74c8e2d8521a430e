// Package dsp implements the per-sample signal chain applied to captured microphone blocks.
// It covers bit-width normalization, the soft noise gate, linear gain, the above-knee
// compressor, hard clipping, and the decaying peak and averaged RMS level trackers.
package dsp
