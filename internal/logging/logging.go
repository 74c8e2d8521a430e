// Package logging builds the structured slog logger used by both binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/los3r5/ESP32/internal/config"
)

// New creates and configures the structured logger based on configuration.
// The returned closer releases the log file when output is a path.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	// Parse log level
	level := ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closer = file
		}
	}

	return slog.New(NewHandler(output, cfg.Format, opts)), closer
}

// NewHandler returns a JSON or text handler writing to w
func NewHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a configured level name onto a slog.Level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record, for tests
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
