package capture

import (
	"context"
	"errors"
	"time"

	"github.com/los3r5/ESP32/internal/dsp"
)

var (
	// ErrCapture wraps every failure to read a block from a device
	ErrCapture = errors.New("capture failed")
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("source closed")
)

// Source delivers blocks of raw samples of a fixed width.
// Read blocks until dst is filled or ctx is done.
type Source interface {
	Read(ctx context.Context, dst []int32) (int, error)
	Width() dsp.SampleWidth
	SampleRate() int
	Close() error
}

// pacer spaces blocks at the real-time rate of the samples they carry
type pacer struct {
	sampleRate int
	next       time.Time
}

// maxLag is how far behind schedule a source may fall before it stops catching up
const maxLag = time.Second

func (p *pacer) wait(ctx context.Context, samples int) error {
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > maxLag {
		p.next = now
	}
	p.next = p.next.Add(time.Duration(samples) * time.Second / time.Duration(p.sampleRate))

	delay := time.Until(p.next)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
