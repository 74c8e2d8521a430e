package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// FLACBlockSize is the number of samples per FLAC frame
const FLACBlockSize = 4096

// WriteFLAC writes samples as a 16-bit mono FLAC stream with verbatim subframes
func WriteFLAC(w io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  FLACBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
		NSamples:      uint64(len(samples)),
	}
	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return fmt.Errorf("creating flac encoder: %w", err)
	}

	for start := 0; start < len(samples); start += FLACBlockSize {
		end := min(start+FLACBlockSize, len(samples))
		if err := enc.WriteFrame(newFLACFrame(samples[start:end], sampleRate)); err != nil {
			enc.Close()
			return fmt.Errorf("writing flac frame: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing flac encoder: %w", err)
	}
	return nil
}

// EncodeFLAC encodes PCM-16 samples into an in-memory FLAC file
func EncodeFLAC(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	var buf bytes.Buffer
	if err := WriteFLAC(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newFLACFrame(block []int16, sampleRate int) *frame.Frame {
	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	return &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(sampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: 16,
		},
		Subframes: []*frame.Subframe{subframe},
	}
}
