package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/los3r5/ESP32/internal/capture"
	"github.com/los3r5/ESP32/internal/dsp"
	"github.com/los3r5/ESP32/internal/metrics"
	"github.com/los3r5/ESP32/internal/protocol"
	"github.com/los3r5/ESP32/internal/transport"
)

// Result describes one completed cycle
type Result struct {
	dsp.Result
	Sequence uint32 // sequence carried by the datagram, or the next one when nothing was sent
	Sent     bool   // a datagram was handed to the network successfully
	SendErr  error  // send failure, if a send was attempted and failed
}

// Stats is a snapshot of pipeline counters
type Stats struct {
	Cycles        uint64    `json:"cycles"`
	CaptureErrors uint64    `json:"capture_errors"`
	DatagramsSent uint64    `json:"datagrams_sent"`
	SendFailures  uint64    `json:"send_failures"`
	Sequence      uint32    `json:"sequence"`
	Peak          float64   `json:"peak"`
	Level         float64   `json:"level"`
	Streaming     bool      `json:"streaming"`
	LastCycle     time.Time `json:"last_cycle"`
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithObserver delivers every cycle's result to fn on the cycle goroutine
func WithObserver(fn func(Result)) Option {
	return func(p *Pipeline) { p.observer = fn }
}

// WithMetrics records cycle outcomes into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline captures blocks from a source, transforms them and sends each as one datagram
type Pipeline struct {
	source capture.Source
	sender transport.Sender
	proc   *dsp.Processor
	logger *slog.Logger

	observer func(Result)
	metrics  *metrics.Metrics

	// owned by the cycle goroutine
	raw      []int32
	out      []int16
	frame    []byte
	sequence atomic.Uint32

	streaming atomic.Bool

	mu    sync.RWMutex
	stats Stats
}

// New creates a pipeline reading blocks of blockSize samples from source
func New(source capture.Source, sender transport.Sender, params dsp.Params, blockSize int, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if blockSize < 1 || blockSize > protocol.MaxSamples {
		return nil, fmt.Errorf("block size must be between 1 and %d samples, got %d", protocol.MaxSamples, blockSize)
	}
	if err := source.Width().Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	proc, err := dsp.NewProcessor(params)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		source: source,
		sender: sender,
		proc:   proc,
		logger: logger,
		raw:    make([]int32, blockSize),
		out:    make([]int16, blockSize),
		frame:  make([]byte, 0, protocol.EncodedSize(blockSize)),
	}
	p.streaming.Store(true)

	for _, opt := range opts {
		opt(p)
	}
	if p.metrics != nil {
		p.metrics.SetStreaming(true)
	}

	return p, nil
}

// Cycle captures one block, processes it and, when streaming, sends it.
// A capture error skips the rest of the cycle and is returned wrapped in capture.ErrCapture.
func (p *Pipeline) Cycle(ctx context.Context) (Result, error) {
	n, err := p.source.Read(ctx, p.raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		p.mu.Lock()
		p.stats.CaptureErrors++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.RecordCaptureError()
		}
		if !errors.Is(err, capture.ErrCapture) {
			err = fmt.Errorf("%w: %w", capture.ErrCapture, err)
		}
		return Result{}, err
	}

	start := time.Now()

	res, err := p.proc.Process(p.source.Width(), p.raw[:n], p.out)
	if err != nil {
		return Result{}, fmt.Errorf("processing block: %w", err)
	}

	result := Result{Result: res, Sequence: p.sequence.Load()}

	if p.streaming.Load() {
		seq := p.sequence.Load()
		p.frame = protocol.AppendDatagram(p.frame[:0], seq, protocol.PeakField(res.Peak), p.out[:n])
		sendErr := p.sender.Send(p.frame)
		// advances whether or not the send succeeded
		p.sequence.Store(seq + 1)

		result.Sent = sendErr == nil
		result.SendErr = sendErr
		if sendErr != nil {
			p.logger.Debug("Datagram send failed",
				slog.Uint64("sequence", uint64(seq)),
				slog.String("error", sendErr.Error()),
			)
		}
		if p.metrics != nil {
			p.metrics.RecordSend(sendErr)
		}
	}

	p.mu.Lock()
	p.stats.Cycles++
	if result.Sent {
		p.stats.DatagramsSent++
	} else if result.SendErr != nil {
		p.stats.SendFailures++
	}
	p.stats.Peak = res.Peak
	p.stats.Level = res.Level
	p.stats.LastCycle = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordCycle(res.BlockPeak, res.Peak, res.Level, time.Since(start).Seconds())
	}
	if p.observer != nil {
		p.observer(result)
	}

	return result, nil
}

// Run cycles until ctx is cancelled. Capture errors are logged and the next
// cycle starts immediately; only a closed source ends the loop early.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Pipeline started",
		slog.Int("block_size", len(p.raw)),
		slog.String("width", p.source.Width().String()),
		slog.Int("sample_rate", p.source.SampleRate()),
		slog.Bool("streaming", p.Streaming()),
	)

	for {
		if ctx.Err() != nil {
			break
		}

		_, err := p.Cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, capture.ErrClosed) {
			return fmt.Errorf("capture source closed: %w", err)
		}
		p.logger.Error("Capture failed", slog.String("error", err.Error()))
	}

	stats := p.Stats()
	p.logger.Info("Pipeline stopped",
		slog.Uint64("cycles", stats.Cycles),
		slog.Uint64("datagrams_sent", stats.DatagramsSent),
		slog.Uint64("send_failures", stats.SendFailures),
		slog.Uint64("capture_errors", stats.CaptureErrors),
	)
	return nil
}

// SetStreaming enables or disables datagram emission from the next cycle on
func (p *Pipeline) SetStreaming(enabled bool) {
	if p.streaming.Swap(enabled) == enabled {
		return
	}
	if p.metrics != nil {
		p.metrics.SetStreaming(enabled)
	}
	p.logger.Info("Streaming toggled", slog.Bool("enabled", enabled))
}

// Streaming reports whether datagrams are being emitted
func (p *Pipeline) Streaming() bool {
	return p.streaming.Load()
}

// Params returns the processing parameters of the run
func (p *Pipeline) Params() dsp.Params {
	return p.proc.Params()
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	stats := p.stats
	p.mu.RUnlock()

	stats.Sequence = p.sequence.Load()
	stats.Streaming = p.streaming.Load()
	return stats
}
