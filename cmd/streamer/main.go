package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/logging"
	"github.com/los3r5/ESP32/internal/meter"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/pipeline"
	"github.com/los3r5/ESP32/internal/server"
	"github.com/los3r5/ESP32/internal/transport"
)

const (
	defaultConfigPath = "configs/streamer.yaml"
	serviceName       = "esp-audio-streamer"
	serviceVersion    = "1.0.0"
)

func main() {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	overrides := registerOverrides(fs)
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath, fs, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("Streamer failed", slog.String("error", err.Error()))
		closer.Close()
		os.Exit(1)
	}
}

// loadConfig reads the file when it exists, falls back to defaults when the
// default path is absent, then applies command line overrides.
func loadConfig(path string, fs *flag.FlagSet, o *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path != defaultConfigPath || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	o.apply(fs, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	runID := uuid.NewString()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("run_id", runID),
	)
	logger.Info("Configuration loaded",
		slog.String("source", cfg.Capture.Source),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("buffer_size", cfg.Capture.BufferSize),
		slog.Int("bit_width", cfg.Capture.BitWidth),
		slog.String("target", fmt.Sprintf("%s:%d", cfg.Stream.TargetAddress, cfg.Stream.TargetPort)),
		slog.Float64("gain_percent", cfg.Processing.GainPercent),
		slog.Float64("noise_gate_percent", cfg.Processing.NoiseGatePercent),
		slog.Float64("compression_percent", cfg.Processing.CompressionPercent),
		slog.Bool("streaming", cfg.Stream.Enabled),
	)

	source, err := openSource(cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to open %s source: %w", cfg.Capture.Source, err)
	}
	defer source.Close()

	sender, err := transport.DialUDP(cfg.Stream.TargetAddress, cfg.Stream.TargetPort)
	if err != nil {
		return err
	}
	defer sender.Close()

	appMetrics := metrics.NewMetrics(nil)

	p, err := pipeline.New(source, sender, cfg.Processing, cfg.Capture.BufferSize, logger,
		pipeline.WithMetrics(appMetrics),
		pipeline.WithObserver(meterObserver(cfg.Stream.MeterInterval)),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	p.SetStreaming(cfg.Stream.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(ctx)
	})
	if cfg.HTTP.Enabled {
		control := server.NewControlServer(cfg.HTTP, logger, p, runID, appMetrics)
		g.Go(func() error {
			return control.Run(ctx)
		})
	}

	logger.Info("Streamer started, waiting for signals...",
		slog.String("local_address", sender.LocalAddr().String()),
	)

	err = g.Wait()

	stats := sender.Stats()
	logger.Info("Final sender statistics",
		slog.Uint64("datagrams_sent", stats.Sent),
		slog.Uint64("send_failures", stats.Failed),
	)
	logger.Info("Service stopped")
	return err
}

// meterObserver prints a console meter line every interval cycles; 0 disables it
func meterObserver(interval int) func(pipeline.Result) {
	if interval <= 0 {
		return nil
	}
	cycles := 0
	return func(res pipeline.Result) {
		cycles++
		if cycles%interval != 0 {
			return
		}
		fmt.Println(meter.Render(res.Level, res.Peak))
	}
}
