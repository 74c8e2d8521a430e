// Package recorder accumulates a sender's ordered audio, saves it to WAV or
// FLAC files on a fixed interval or on demand, and keeps a short history of
// recent blocks for visualisation.
package recorder
