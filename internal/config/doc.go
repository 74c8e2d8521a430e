// Package config provides configuration loading and validation for the audio streamer and receiver.
// It handles YAML-based configuration layered over built-in defaults, with per-section validation
// of capture, processing, streaming, receiving, recording, HTTP and logging parameters.
package config
