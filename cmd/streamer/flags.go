package main

import (
	"flag"

	"github.com/los3r5/ESP32/internal/config"
)

// overrideFlags are command line values that replace their config file counterparts
type overrideFlags struct {
	target      *string
	port        *int
	gain        *float64
	gate        *float64
	compression *float64
	noStream    *bool
	source      *string
}

func registerOverrides(fs *flag.FlagSet) *overrideFlags {
	return &overrideFlags{
		target:      fs.String("target", "", "Receiver address, overrides stream.target_address"),
		port:        fs.Int("port", 0, "Receiver UDP port, overrides stream.target_port"),
		gain:        fs.Float64("gain", 0, "Gain percent (0-400), overrides processing.gain_percent"),
		gate:        fs.Float64("gate", 0, "Noise gate percent (0-100), overrides processing.noise_gate_percent"),
		compression: fs.Float64("compression", 0, "Compression percent (0-100), overrides processing.compression_percent"),
		noStream:    fs.Bool("no-stream", false, "Process and meter without sending datagrams"),
		source:      fs.String("source", "", "Capture source: tone, wav, serial or mic"),
	}
}

// apply copies every flag that was set on the command line into cfg
func (o *overrideFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "target":
			cfg.Stream.TargetAddress = *o.target
		case "port":
			cfg.Stream.TargetPort = *o.port
		case "gain":
			cfg.Processing.GainPercent = *o.gain
		case "gate":
			cfg.Processing.NoiseGatePercent = *o.gate
		case "compression":
			cfg.Processing.CompressionPercent = *o.compression
		case "no-stream":
			cfg.Stream.Enabled = !*o.noStream
		case "source":
			cfg.Capture.Source = *o.source
		}
	})
}
