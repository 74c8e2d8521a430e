// Package audio handles per-sender sequence reordering of received datagrams
// and encoding of recorded PCM-16 audio to WAV and FLAC.
package audio
