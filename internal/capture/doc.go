// Package capture provides the sample sources the streamer reads blocks from:
// a synthetic tone, a looping WAV file, and raw PCM over a serial port.
// Host microphone capture lives in the mic subpackage because it needs cgo.
package capture
