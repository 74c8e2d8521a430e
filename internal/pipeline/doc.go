// Package pipeline runs the capture, process and emit cycle of the streamer.
// One goroutine owns a Pipeline's Cycle; the streaming flag and statistics
// may be read and toggled from any goroutine.
package pipeline
