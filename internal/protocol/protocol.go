package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Datagram layout constants
const (
	// HeaderSize is the sequence (4 bytes) plus peak (4 bytes)
	HeaderSize = 8
	// BytesPerSample is the size of one PCM sample in the payload
	BytesPerSample = 2
	// MaxSamples bounds the payload of a single datagram
	MaxSamples = 1024
	// MaxDatagramSize is the largest datagram this package will frame or parse
	MaxDatagramSize = HeaderSize + MaxSamples*BytesPerSample

	sequenceOffset = 0
	peakOffset     = 4
)

var (
	// ErrShortDatagram is returned when a datagram is smaller than its header
	ErrShortDatagram = errors.New("datagram too short")
	// ErrOddPayload is returned when the payload is not a whole number of samples
	ErrOddPayload = errors.New("payload length is not a multiple of the sample size")
	// ErrTooManySamples is returned when a payload exceeds MaxSamples
	ErrTooManySamples = errors.New("too many samples in datagram")
)

// Header represents the 8-byte datagram header
// Layout: [Sequence:4][Peak:4], little-endian
type Header struct {
	Sequence uint32 // Monotonic per-sender counter, wraps on overflow
	Peak     uint32 // Tracked peak level of the sender, 0..32767
}

// Datagram represents a fully parsed audio datagram
type Datagram struct {
	Header
	Samples []int16 // PCM samples in arrival order
}

// ParseHeader parses the 8-byte datagram header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrShortDatagram, HeaderSize, len(data))
	}

	return &Header{
		Sequence: binary.LittleEndian.Uint32(data[sequenceOffset:]),
		Peak:     binary.LittleEndian.Uint32(data[peakOffset:]),
	}, nil
}

// ValidatePayloadSize checks that a payload of n bytes holds whole samples within limits
func ValidatePayloadSize(n int) error {
	if n%BytesPerSample != 0 {
		return fmt.Errorf("%w: %d bytes", ErrOddPayload, n)
	}
	if n/BytesPerSample > MaxSamples {
		return fmt.Errorf("%w: %d samples (maximum %d)", ErrTooManySamples, n/BytesPerSample, MaxSamples)
	}
	return nil
}

// Decode parses a complete datagram (header + payload)
func Decode(data []byte) (*Datagram, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	payload := data[HeaderSize:]
	if err := ValidatePayloadSize(len(payload)); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	samples := make([]int16, len(payload)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*BytesPerSample:]))
	}

	return &Datagram{Header: *header, Samples: samples}, nil
}

// AppendDatagram frames a datagram onto dst and returns the extended slice.
// Reusing dst across calls keeps the send path allocation-free.
func AppendDatagram(dst []byte, sequence, peak uint32, samples []int16) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, sequence)
	dst = binary.LittleEndian.AppendUint32(dst, peak)
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Encode frames a datagram into a new buffer
func Encode(d *Datagram) ([]byte, error) {
	if len(d.Samples) > MaxSamples {
		return nil, fmt.Errorf("%w: %d samples (maximum %d)", ErrTooManySamples, len(d.Samples), MaxSamples)
	}
	buf := make([]byte, 0, EncodedSize(len(d.Samples)))
	return AppendDatagram(buf, d.Sequence, d.Peak, d.Samples), nil
}

// EncodedSize returns the datagram size for a block of n samples
func EncodedSize(n int) int {
	return HeaderSize + n*BytesPerSample
}

// PeakField converts a tracked peak into the header representation, truncating toward zero
func PeakField(peak float64) uint32 {
	if peak <= 0 {
		return 0
	}
	return uint32(peak)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Sequence:%d, Peak:%d}", h.Sequence, h.Peak)
}

// String returns a human-readable representation of the datagram
func (d *Datagram) String() string {
	return fmt.Sprintf("Datagram{Sequence:%d, Peak:%d, Samples:%d}", d.Sequence, d.Peak, len(d.Samples))
}
