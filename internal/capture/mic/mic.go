// Package mic captures from the host's default microphone through miniaudio.
// It needs cgo, so it is kept apart from the other capture sources.
package mic

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/los3r5/ESP32/internal/capture"
	"github.com/los3r5/ESP32/internal/dsp"
)

// queueDepth is how many device callbacks may wait for Read before chunks are dropped
const queueDepth = 64

// Source reads mono PCM from the default capture device
type Source struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	width      dsp.SampleWidth
	sampleRate int

	chunks  chan []byte
	pending []byte
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ capture.Source = (*Source)(nil)

// Open starts capturing from the default microphone. Width16 captures signed
// 16-bit frames; the wider widths capture signed 32-bit frames.
func Open(width dsp.SampleWidth, sampleRate int) (*Source, error) {
	if err := width.Validate(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo context: %w", err)
	}

	s := &Source{
		ctx:        mctx,
		width:      width,
		sampleRate: sampleRate,
		chunks:     make(chan []byte, queueDepth),
		done:       make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS32
	if width == dsp.Width16 {
		deviceConfig.Capture.Format = malgo.FormatS16
	}
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			s.push(data)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("malgo capture device: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}

	return s, nil
}

// push copies one callback buffer into the queue, dropping it when Read falls behind
func (s *Source) push(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case s.chunks <- chunk:
	default:
		s.dropped.Add(1)
	}
}

// Read blocks until len(dst) frames have been captured
func (s *Source) Read(ctx context.Context, dst []int32) (int, error) {
	need := len(dst) * s.width.BytesPerSample()

	for len(s.pending) < need {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.done:
			return 0, capture.ErrClosed
		case chunk := <-s.chunks:
			s.pending = append(s.pending, chunk...)
		}
	}

	decode(s.width, s.pending[:need], dst)
	rest := copy(s.pending, s.pending[need:])
	s.pending = s.pending[:rest]
	return len(dst), nil
}

// decode converts little-endian device frames into raw samples
func decode(width dsp.SampleWidth, data []byte, dst []int32) {
	if width == dsp.Width16 {
		for i := range dst {
			dst[i] = int32(int16(binary.LittleEndian.Uint16(data[i*2:])))
		}
		return
	}
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

// Dropped returns how many device buffers were discarded because Read fell behind
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Source) Width() dsp.SampleWidth { return s.width }

func (s *Source) SampleRate() int { return s.sampleRate }

// Close stops the device and releases the miniaudio context
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.device.Stop()
		s.device.Uninit()
		s.freeContext()
	})
	return nil
}

func (s *Source) freeContext() {
	_ = s.ctx.Uninit()
	s.ctx.Free()
}
