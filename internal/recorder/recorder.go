package recorder

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/los3r5/ESP32/internal/audio"
	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/metrics"
)

// URLPrefix is the HTTP path recordings are served under
const URLPrefix = "/recordings/"

// timestampLayout is ISO-8601 UTC with ':' already replaced by '-'
const timestampLayout = "2006-01-02T15-04-05.000Z"

// Recorder accumulates the samples of one session and periodically writes them out
type Recorder struct {
	cfg        config.RecordingConfig
	session    string
	sampleRate int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	samples []int16
	started time.Time // zero until the first samples of a recording arrive
	saved   int
}

// New creates a recorder for one session
func New(cfg config.RecordingConfig, session string, sampleRate int, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		cfg:        cfg,
		session:    session,
		sampleRate: sampleRate,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Append adds ordered samples. Once the interval has elapsed since the current
// recording started it is saved and a new one begins; the URL of the saved
// file is returned, or "" when nothing was saved.
func (r *Recorder) Append(samples []int16) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.started.IsZero() {
		r.started = now
	}
	r.samples = append(r.samples, samples...)

	if now.Sub(r.started) <= r.cfg.GetIntervalDuration() {
		return "", nil
	}
	return r.saveLocked()
}

// Save writes the current recording now and starts a new one.
// It returns "" without error when there is nothing to save.
func (r *Recorder) Save() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Recorder) saveLocked() (string, error) {
	if len(r.samples) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	var err error
	switch r.cfg.Format {
	case config.FormatFLAC:
		err = audio.WriteFLAC(&buf, r.samples, r.sampleRate)
	default:
		err = audio.WriteWAV(&buf, r.samples, r.sampleRate)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode recording: %w", err)
	}

	if err := os.MkdirAll(r.cfg.Directory, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory %s: %w", r.cfg.Directory, err)
	}

	filename := r.filename(r.now())
	path := filepath.Join(r.cfg.Directory, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write recording %s: %w", path, err)
	}

	r.logger.Info("Saved recording",
		slog.String("path", path),
		slog.String("session", r.session),
		slog.Int("samples", len(r.samples)),
		slog.Duration("duration", audio.Duration(len(r.samples), r.sampleRate)),
	)
	if r.metrics != nil {
		r.metrics.RecordRecordingSaved(buf.Len())
	}

	r.samples = r.samples[:0]
	r.started = r.now()
	r.saved++

	return URLPrefix + filename, nil
}

func (r *Recorder) filename(t time.Time) string {
	ext := config.FormatWAV
	if r.cfg.Format == config.FormatFLAC {
		ext = config.FormatFLAC
	}
	stamp := strings.ReplaceAll(t.UTC().Format(timestampLayout), ".", "-")
	return fmt.Sprintf("audio_%s_%s.%s", stamp, r.session, ext)
}

// Pending returns the number of samples waiting to be saved
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Saved returns how many files this recorder has written
func (r *Recorder) Saved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}
