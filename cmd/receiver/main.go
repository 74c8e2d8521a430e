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
	"time"

	"github.com/los3r5/ESP32/internal/config"
	"github.com/los3r5/ESP32/internal/logging"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/server"
	"github.com/los3r5/ESP32/internal/stream"
)

const (
	defaultConfigPath = "configs/receiver.yaml"
	serviceName       = "esp-audio-receiver"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	udpPort := flag.Int("port", 0, "UDP port to listen on, overrides receiver.udp_port")
	recordings := flag.String("recordings", "", "Recordings directory, overrides recording.directory")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath, *udpPort, *recordings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Receiver.UDPPort),
		slog.String("bind_address", cfg.Receiver.BindAddress),
		slog.Int("workers", cfg.Receiver.Workers),
		slog.Int("sample_rate", cfg.Receiver.SampleRate),
		slog.Int("max_gap", cfg.Receiver.MaxGap),
		slog.Bool("recording", cfg.Recording.Enabled),
		slog.String("recording_dir", cfg.Recording.Directory),
		slog.String("recording_format", cfg.Recording.Format),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(nil)

	streamMgr := stream.NewManager(logger, cfg.Receiver, cfg.Recording, appMetrics)
	logger.Info("Stream manager initialized",
		slog.Duration("session_timeout", cfg.Receiver.GetSessionTimeoutDuration()),
		slog.Duration("recording_interval", cfg.Recording.GetIntervalDuration()),
	)

	udpServer := server.NewUDPServer(&cfg.Receiver, logger, streamMgr, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, udpServer, appMetrics)
	}

	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		streamMgr.Stop()
		closer.Close()
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			udpServer.Stop()
			streamMgr.Stop()
			closer.Close()
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", udpServer.Addr().String()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Stop UDP server (stop accepting new datagrams)
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	// Flush and save every remaining session
	streamMgr.Stop()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("stale_datagrams", stats.StaleDatagrams),
	)

	logger.Info("Service stopped")
}

// loadConfig reads the file, falling back to defaults when the default path
// is absent, and applies the command line overrides.
func loadConfig(path string, udpPort int, recordings string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path != defaultConfigPath || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if udpPort != 0 {
		cfg.Receiver.UDPPort = udpPort
	}
	if recordings != "" {
		cfg.Recording.Directory = recordings
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
