package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/dsp"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/pipeline"
)

// StreamController is the part of a pipeline the control API drives
type StreamController interface {
	Streaming() bool
	SetStreaming(enabled bool)
	Stats() pipeline.Stats
	Params() dsp.Params
}

// streamingState is the body of GET and POST /api/streaming
type streamingState struct {
	Enabled *bool `json:"enabled"`
}

// ControlServer exposes the streamer's control API
type ControlServer struct {
	server    *http.Server
	logger    *slog.Logger
	pipeline  StreamController
	metrics   *metrics.Metrics
	runID     string
	startTime time.Time
}

// NewControlServer creates the streamer control API. m may be nil.
func NewControlServer(cfg config.HTTPConfig, logger *slog.Logger, p StreamController, runID string, m *metrics.Metrics) *ControlServer {
	c := &ControlServer{
		logger:    logger,
		pipeline:  p,
		metrics:   m,
		runID:     runID,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", instrument(m, "/health", c.handleHealth))
	mux.HandleFunc("/stats", instrument(m, "/stats", c.handleStats))
	mux.HandleFunc("/api/streaming", instrument(m, "/api/streaming", c.handleStreaming))
	mux.Handle("/metrics", promhttp.Handler())

	c.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return c
}

// Handler returns the routed handler, for embedding or tests
func (c *ControlServer) Handler() http.Handler {
	return c.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (c *ControlServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.server.Addr, err)
	}

	c.logger.Info("Starting control API server", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API server: %w", err)

	case <-ctx.Done():
		c.logger.Info("Stopping control API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	}
}

func (c *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := c.pipeline.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(c.startTime).String(),
		"run_id":     c.runID,
		"streaming":  stats.Streaming,
		"last_cycle": stats.LastCycle,
	})
}

func (c *ControlServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":     c.runID,
		"uptime":     time.Since(c.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"pipeline":   c.pipeline.Stats(),
		"processing": c.pipeline.Params(),
	})
}

// handleStreaming reports the streaming flag on GET and sets it on POST
func (c *ControlServer) handleStreaming(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:

	case http.MethodPost:
		var req streamingState
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Enabled == nil {
			http.Error(w, `Body must be {"enabled": true|false}`, http.StatusBadRequest)
			return
		}
		c.pipeline.SetStreaming(*req.Enabled)
		c.logger.Info("Streaming toggled via control API",
			slog.Bool("enabled", *req.Enabled),
			slog.String("remote_addr", r.RemoteAddr),
		)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	enabled := c.pipeline.Streaming()
	writeJSON(w, http.StatusOK, streamingState{Enabled: &enabled})
}
