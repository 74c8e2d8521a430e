package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the streamer and the receiver.
// Each binary only drives its own subset; the rest stay at zero.
type Metrics struct {
	// Streamer cycle metrics
	Cycles           prometheus.Counter
	CaptureErrors    prometheus.Counter
	DatagramsSent    prometheus.Counter
	SendErrors       prometheus.Counter
	BlockPeak        prometheus.Gauge
	TrackedPeak      prometheus.Gauge
	Level            prometheus.Gauge
	CycleDuration    prometheus.Histogram
	StreamingEnabled prometheus.Gauge

	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram
	PacketsLost       prometheus.Counter

	// Recording metrics
	RecordingsSaved prometheus.Counter
	RecordingBytes  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Streamer cycle metrics
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_cycles_total",
			Help: "Total number of capture and process cycles",
		}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_capture_errors_total",
			Help: "Total number of failed sample reads",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_datagrams_sent_total",
			Help: "Total number of datagrams handed to the network",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_send_errors_total",
			Help: "Total number of datagram send failures",
		}),
		BlockPeak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_block_peak",
			Help: "Largest absolute normalized sample in the last block",
		}),
		TrackedPeak: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_tracked_peak",
			Help: "Decaying peak carried in the datagram header",
		}),
		Level: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_level",
			Help: "Smoothed RMS level over recent blocks",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "esp_audio_cycle_duration_seconds",
			Help:    "Time spent processing and sending one block, excluding capture",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10us to ~20ms
		}),
		StreamingEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_streaming_enabled",
			Help: "1 when datagrams are being sent, 0 when streaming is paused",
		}),

		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_parse_errors_total",
			Help: "Total number of datagram parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "esp_audio_active_sessions",
			Help: "Current number of devices streaming to the receiver",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "esp_audio_session_duration_seconds",
			Help:    "Duration of device sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_packets_lost_total",
			Help: "Total number of sequence numbers skipped as lost",
		}),

		// Recording metrics
		RecordingsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "esp_audio_recordings_saved_total",
			Help: "Total number of recording files written",
		}),
		RecordingBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "esp_audio_recording_size_bytes",
			Help:    "Size of written recording files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "esp_audio_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esp_audio_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "esp_audio_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordCycle records the outcome of one streamer cycle
func (m *Metrics) RecordCycle(blockPeak, peak, level, durationSeconds float64) {
	m.Cycles.Inc()
	m.BlockPeak.Set(blockPeak)
	m.TrackedPeak.Set(peak)
	m.Level.Set(level)
	m.CycleDuration.Observe(durationSeconds)
}

// RecordCaptureError increments the capture errors counter
func (m *Metrics) RecordCaptureError() {
	m.CaptureErrors.Inc()
}

// RecordSend records a datagram send attempt
func (m *Metrics) RecordSend(err error) {
	if err != nil {
		m.SendErrors.Inc()
		return
	}
	m.DatagramsSent.Inc()
}

// SetStreaming reflects the streaming flag in a gauge
func (m *Metrics) SetStreaming(enabled bool) {
	if enabled {
		m.StreamingEnabled.Set(1)
		return
	}
	m.StreamingEnabled.Set(0)
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordPacketsLost adds newly skipped sequence numbers
func (m *Metrics) RecordPacketsLost(n int) {
	if n > 0 {
		m.PacketsLost.Add(float64(n))
	}
}

// RecordRecordingSaved records a written recording file
func (m *Metrics) RecordRecordingSaved(sizeBytes int) {
	m.RecordingsSaved.Inc()
	m.RecordingBytes.Observe(float64(sizeBytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
