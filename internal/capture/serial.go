package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/los3r5/ESP32/internal/dsp"
)

// serialPollInterval bounds how long a blocked read ignores ctx
const serialPollInterval = 100 * time.Millisecond

// Port is the part of a serial port the source needs
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// SerialSource reads raw little-endian PCM streamed by a microcontroller over
// a serial link: 2 bytes per sample at 16 bits, otherwise 4.
type SerialSource struct {
	name       string
	port       Port
	width      dsp.SampleWidth
	sampleRate int

	buf     []byte // bytes read but not yet assembled into samples
	scratch []byte

	mu     sync.Mutex
	closed bool
}

// OpenSerial opens the named port at baud
func OpenSerial(name string, baud int, width dsp.SampleWidth, sampleRate int) (*SerialSource, error) {
	if err := width.Validate(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}

	src, err := NewSerialSource(name, port, width, sampleRate)
	if err != nil {
		port.Close()
		return nil, err
	}
	return src, nil
}

// NewSerialSource wraps an already opened port
func NewSerialSource(name string, port Port, width dsp.SampleWidth, sampleRate int) (*SerialSource, error) {
	if err := width.Validate(); err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return &SerialSource{
		name:       name,
		port:       port,
		width:      width,
		sampleRate: sampleRate,
		scratch:    make([]byte, 4096),
	}, nil
}

// Read blocks until len(dst) samples have arrived or ctx is done
func (s *SerialSource) Read(ctx context.Context, dst []int32) (int, error) {
	bytesPerSample := s.width.BytesPerSample()
	need := len(dst) * bytesPerSample

	for len(s.buf) < need {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}

		// A timed out read returns 0 bytes and no error
		n, err := s.port.Read(s.scratch)
		if n > 0 {
			s.buf = append(s.buf, s.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				continue
			}
			return 0, fmt.Errorf("%w: reading %s: %w", ErrCapture, s.name, err)
		}
	}

	for i := range dst {
		off := i * bytesPerSample
		if bytesPerSample == 2 {
			dst[i] = int32(int16(binary.LittleEndian.Uint16(s.buf[off:])))
		} else {
			dst[i] = int32(binary.LittleEndian.Uint32(s.buf[off:]))
		}
	}

	rest := copy(s.buf, s.buf[need:])
	s.buf = s.buf[:rest]
	return len(dst), nil
}

func (s *SerialSource) Width() dsp.SampleWidth { return s.width }

func (s *SerialSource) SampleRate() int { return s.sampleRate }

// Close closes the port; a pending Read returns after its current poll
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.name, err)
	}
	return nil
}
