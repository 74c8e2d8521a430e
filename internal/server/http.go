package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/recorder"
	"github.com/los3r5/ESP32/internal/stream"
)

// liveWriteTimeout bounds a single websocket write to a live subscriber
const liveWriteTimeout = 5 * time.Second

// HTTPServer provides the receiver's HTTP API
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	udpServer *UDPServer
	metrics   *metrics.Metrics
	startTime time.Time
}

// audioResponse is the body of every /api/audio reply
type audioResponse struct {
	Status       string `json:"status"`
	Data         any    `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	RecordingURL string `json:"recordingUrl,omitempty"`
}

// NewHTTPServer creates a new HTTP API server. m may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, streamMgr *stream.Manager, udpServer *UDPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		udpServer: udpServer,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No WriteTimeout: it would also cut off /api/audio/live
	h.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{source}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.HandleFunc("/api/audio", h.withMetrics("/api/audio", h.handleAudio))
	mux.HandleFunc("/api/audio/live", h.withMetrics("/api/audio/live", h.handleLive))

	if h.config.Recording.Enabled {
		files := http.StripPrefix(recorder.URLPrefix, http.FileServer(http.Dir(h.config.Recording.Directory)))
		mux.Handle(recorder.URLPrefix, h.withMetrics(recorder.URLPrefix, files.ServeHTTP))
	}

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, for embedding or tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return instrument(h.metrics, endpoint, handler)
}

func instrument(m *metrics.Metrics, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			m.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	udpStats := h.udpServer.GetStatistics()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "esp-audio-receiver",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"udp_server": map[string]interface{}{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"parse_errors":      udpStats.ParseErrors,
				"queue_size":        udpStats.QueueSize,
			},
			"stream_manager": map[string]interface{}{
				"status":           "running",
				"active_sessions":  udpStats.ActiveStreams,
				"live_subscribers": h.streamMgr.Subscribers(),
			},
			"recording": map[string]interface{}{
				"enabled":   h.config.Recording.Enabled,
				"directory": h.config.Recording.Directory,
				"format":    h.config.Recording.Format,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.GetAllSessions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{source} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	source := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if source == "" {
		http.Error(w, "Source address required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(source)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receiver": map[string]interface{}{
			"udp_port":        h.config.Receiver.UDPPort,
			"bind_address":    h.config.Receiver.BindAddress,
			"buffer_size":     h.config.Receiver.BufferSize,
			"workers":         h.config.Receiver.Workers,
			"queue_size":      h.config.Receiver.QueueSize,
			"session_timeout": h.config.Receiver.SessionTimeout,
			"max_gap":         h.config.Receiver.MaxGap,
			"sample_rate":     h.config.Receiver.SampleRate,
		},
		"recording": map[string]interface{}{
			"enabled":        h.config.Recording.Enabled,
			"directory":      h.config.Recording.Directory,
			"format":         h.config.Recording.Format,
			"interval":       h.config.Recording.Interval,
			"history_chunks": h.config.Recording.HistoryChunks,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.udpServer.GetStatistics(),
		"sessions":  h.streamMgr.GetAllSessions(),
	})
}

// handleAudio implements /api/audio?action=save|data[&source=addr][&points=n]
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	source := query.Get("source")

	switch query.Get("action") {
	case "save":
		url, err := h.streamMgr.Save(source)
		if err != nil {
			status, msg := h.audioError(err, "Failed to save recording")
			writeJSON(w, status, audioResponse{Status: "error", Error: msg})
			return
		}
		writeJSON(w, http.StatusOK, audioResponse{Status: "success", RecordingURL: url})

	case "data":
		points := recorder.DefaultPoints
		if p := query.Get("points"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, audioResponse{Status: "error", Error: "Invalid points"})
				return
			}
			points = n
		}

		data, err := h.streamMgr.Recent(source, points)
		if err != nil {
			status, msg := h.audioError(err, "Failed to get audio data")
			writeJSON(w, status, audioResponse{Status: "error", Error: msg})
			return
		}
		writeJSON(w, http.StatusOK, audioResponse{Status: "success", Data: data})

	default:
		writeJSON(w, http.StatusBadRequest, audioResponse{Status: "error", Error: "Invalid action"})
	}
}

func (h *HTTPServer) audioError(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, stream.ErrNoSession):
		return http.StatusNotFound, "Unknown source"
	case errors.Is(err, stream.ErrRecordingDisabled):
		return http.StatusConflict, "Recording is disabled"
	}
	h.logger.Error(fallback, slog.String("error", err.Error()))
	return http.StatusInternalServerError, fallback
}

// handleLive streams every accepted datagram as a JSON event over a websocket.
// An optional source query parameter restricts the feed to one sender.
func (h *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	source := r.URL.Query().Get("source")
	events, unsubscribe := h.streamMgr.Subscribe()
	defer unsubscribe()

	h.logger.Info("Live subscriber connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("source", source),
	)

	// Clients never send; CloseRead handles their close frame
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Live subscriber disconnected", slog.String("remote_addr", r.RemoteAddr))
			return

		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if source != "" && event.Source != source {
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("Live write failed",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "ESP32 Audio Receiver",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all active sessions",
			"GET /sessions/{source}":     "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /api/audio?action=save": "Save the current recording",
			"GET /api/audio?action=data": "Get recent samples for visualisation",
			"GET /api/audio/live":        "Websocket feed of received datagrams",
			"GET /recordings/{file}":     "Download a saved recording",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
