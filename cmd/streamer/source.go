package main

import (
	"fmt"

	"github.com/los3r5/ESP32/internal/capture"
	"github.com/los3r5/ESP32/internal/capture/mic"
	"github.com/los3r5/ESP32/internal/config"
)

// openSource builds the capture source named by the configuration
func openSource(cfg config.CaptureConfig) (capture.Source, error) {
	var (
		source capture.Source
		err    error
	)
	switch cfg.Source {
	case config.SourceTone:
		source, err = capture.NewToneSource(cfg.Width(), cfg.SampleRate, cfg.ToneFrequency, cfg.ToneAmplitude, cfg.Realtime)
	case config.SourceWAV:
		source, err = capture.OpenWAV(cfg.WAVPath, cfg.Realtime)
	case config.SourceSerial:
		source, err = capture.OpenSerial(cfg.SerialPort, cfg.SerialBaud, cfg.Width(), cfg.SampleRate)
	case config.SourceMic:
		source, err = mic.Open(cfg.Width(), cfg.SampleRate)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	return source, nil
}
