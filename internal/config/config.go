package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/los3r5/ESP32/internal/dsp"
)

// Capture source kinds
const (
	SourceTone   = "tone"
	SourceWAV    = "wav"
	SourceSerial = "serial"
	SourceMic    = "mic"
)

// Recording formats
const (
	FormatWAV  = "wav"
	FormatFLAC = "flac"
)

// Config represents the complete configuration shared by the streamer and the receiver
type Config struct {
	Capture    CaptureConfig   `yaml:"capture"`
	Processing dsp.Params      `yaml:"processing"`
	Stream     StreamConfig    `yaml:"stream"`
	Receiver   ReceiverConfig  `yaml:"receiver"`
	Recording  RecordingConfig `yaml:"recording"`
	HTTP       HTTPConfig      `yaml:"http"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// CaptureConfig selects and parameterises the sample source
type CaptureConfig struct {
	Source     string `yaml:"source"`      // tone, wav, serial or mic
	SampleRate int    `yaml:"sample_rate"` // Hz
	BufferSize int    `yaml:"buffer_size"` // samples per block
	BitWidth   int    `yaml:"bit_width"`   // 16, 24 (in 32) or 32
	Realtime   bool   `yaml:"realtime"`    // pace synthetic sources at the sample rate

	WAVPath string `yaml:"wav_path"`

	ToneFrequency float64 `yaml:"tone_frequency"` // Hz
	ToneAmplitude float64 `yaml:"tone_amplitude"` // 0..1 of full scale

	SerialPort string `yaml:"serial_port"`
	SerialBaud int    `yaml:"serial_baud"`
}

// StreamConfig contains the datagram target of the streamer
type StreamConfig struct {
	Enabled       bool   `yaml:"enabled"`
	TargetAddress string `yaml:"target_address"`
	TargetPort    int    `yaml:"target_port"`
	MeterInterval int    `yaml:"meter_interval"` // cycles between console meter lines, 0 disables
}

// ReceiverConfig contains UDP receiver configuration
type ReceiverConfig struct {
	UDPPort        int    `yaml:"udp_port"`
	BindAddress    string `yaml:"bind_address"`
	BufferSize     int    `yaml:"buffer_size"`     // socket read buffer, bytes
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	SessionTimeout int    `yaml:"session_timeout"` // seconds
	MaxGap         int    `yaml:"max_gap"`         // sequences to wait for a missing datagram
	SampleRate     int    `yaml:"sample_rate"`     // Hz of incoming audio
}

// RecordingConfig contains receiver recording configuration
type RecordingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Directory     string `yaml:"directory"`
	Format        string `yaml:"format"`   // wav or flac
	Interval      int    `yaml:"interval"` // seconds between automatic saves
	HistoryChunks int    `yaml:"history_chunks"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that streams a synthetic tone to a local receiver
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Source:        SourceTone,
			SampleRate:    16000,
			BufferSize:    256,
			BitWidth:      int(dsp.Width24),
			Realtime:      true,
			ToneFrequency: 440,
			ToneAmplitude: 0.25,
			SerialBaud:    921600,
		},
		Processing: dsp.DefaultParams(),
		Stream: StreamConfig{
			Enabled:       true,
			TargetAddress: "127.0.0.1",
			TargetPort:    3333,
			MeterInterval: 10,
		},
		Receiver: ReceiverConfig{
			UDPPort:        3333,
			BindAddress:    "0.0.0.0",
			BufferSize:     65536,
			Workers:        2,
			QueueSize:      1000,
			SessionTimeout: 30,
			MaxGap:         20,
			SampleRate:     16000,
		},
		Recording: RecordingConfig{
			Enabled:       true,
			Directory:     "public/recordings",
			Format:        FormatWAV,
			Interval:      10,
			HistoryChunks: 100,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Processing.Validate(); err != nil {
		return fmt.Errorf("processing config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Source {
	case SourceTone:
		if c.ToneFrequency <= 0 || c.ToneFrequency >= float64(c.SampleRate)/2 {
			return fmt.Errorf("tone_frequency must be between 0 and the Nyquist frequency, got %g", c.ToneFrequency)
		}
		if c.ToneAmplitude < 0 || c.ToneAmplitude > 1 {
			return fmt.Errorf("tone_amplitude must be between 0 and 1, got %g", c.ToneAmplitude)
		}
	case SourceWAV:
		if c.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty for the wav source")
		}
	case SourceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("serial_port cannot be empty for the serial source")
		}
		if c.SerialBaud < 1 {
			return fmt.Errorf("serial_baud must be positive, got %d", c.SerialBaud)
		}
	case SourceMic:
	default:
		return fmt.Errorf("source must be one of [tone, wav, serial, mic], got '%s'", c.Source)
	}

	if c.SampleRate < 8000 || c.SampleRate > 96000 {
		return fmt.Errorf("sample_rate must be between 8000 and 96000 Hz, got %d", c.SampleRate)
	}

	if c.BufferSize < 1 || c.BufferSize > 1024 {
		return fmt.Errorf("buffer_size must be between 1 and 1024 samples, got %d", c.BufferSize)
	}

	if err := dsp.SampleWidth(c.BitWidth).Validate(); err != nil {
		return fmt.Errorf("bit_width: %w", err)
	}

	return nil
}

// Validate validates the stream target
func (s *StreamConfig) Validate() error {
	if s.TargetAddress == "" {
		return fmt.Errorf("target_address cannot be empty")
	}

	if s.TargetPort < 1 || s.TargetPort > 65535 {
		return fmt.Errorf("target_port must be between 1 and 65535, got %d", s.TargetPort)
	}

	if s.MeterInterval < 0 {
		return fmt.Errorf("meter_interval cannot be negative, got %d", s.MeterInterval)
	}

	return nil
}

// Validate validates receiver configuration
func (r *ReceiverConfig) Validate() error {
	if r.UDPPort < 1 || r.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", r.UDPPort)
	}

	if r.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if r.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", r.BufferSize)
	}

	if r.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", r.Workers)
	}

	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", r.QueueSize)
	}

	if r.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", r.SessionTimeout)
	}

	if r.MaxGap < 0 {
		return fmt.Errorf("max_gap cannot be negative, got %d", r.MaxGap)
	}

	if r.SampleRate < 8000 || r.SampleRate > 96000 {
		return fmt.Errorf("sample_rate must be between 8000 and 96000 Hz, got %d", r.SampleRate)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Directory == "" {
		return fmt.Errorf("directory cannot be empty when recording is enabled")
	}

	if r.Format != FormatWAV && r.Format != FormatFLAC {
		return fmt.Errorf("format must be 'wav' or 'flac', got '%s'", r.Format)
	}

	if r.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", r.Interval)
	}

	if r.HistoryChunks < 1 {
		return fmt.Errorf("history_chunks must be at least 1, got %d", r.HistoryChunks)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Width returns the configured capture width
func (c *CaptureConfig) Width() dsp.SampleWidth {
	return dsp.SampleWidth(c.BitWidth)
}

// GetSessionTimeoutDuration returns the session timeout as a time.Duration
func (r *ReceiverConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(r.SessionTimeout) * time.Second
}

// GetIntervalDuration returns the automatic save interval as a time.Duration
func (r *RecordingConfig) GetIntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}
