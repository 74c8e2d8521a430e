package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	wavHeaderSize = 44
	riffChunkSize = 8 // chunk id plus chunk length
)

// ErrInvalidWAV is returned for data that is not 16-bit mono PCM WAV
var ErrInvalidWAV = errors.New("invalid WAV data")

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// fmtChunk is the body of the "fmt " chunk
type fmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

func newWAVHeader(numSamples, sampleRate int) WAVHeader {
	numChannels := uint16(1)    // Mono
	bitsPerSample := uint16(16) // 16-bit PCM
	dataSize := uint32(numSamples * 2)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteWAV writes samples as a 16-bit mono PCM WAV stream
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(len(samples), sampleRate)); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	return nil
}

// EncodeWAV encodes PCM-16 samples into an in-memory WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := WriteWAV(buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWAV decodes a 16-bit mono PCM WAV file and returns its samples and sample rate.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("%w: need at least 12 bytes, got %d", ErrInvalidWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, 0, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}

	var format *fmtChunk
	offset := 12
	for offset+riffChunkSize <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4:]))
		body := offset + riffChunkSize
		if size < 0 || body+size > len(data) {
			// tolerate a truncated trailing data chunk
			if id == "data" {
				size = len(data) - body
			} else {
				return nil, 0, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: fmt chunk too short", ErrInvalidWAV)
			}
			format = &fmtChunk{}
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, format); err != nil {
				return nil, 0, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
		case "data":
			if format == nil {
				return nil, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			if err := checkFormat(format); err != nil {
				return nil, 0, err
			}
			numSamples := size / 2
			if numSamples == 0 {
				return nil, 0, fmt.Errorf("%w: no audio data found", ErrInvalidWAV)
			}
			samples := make([]int16, numSamples)
			if err := binary.Read(bytes.NewReader(data[body:body+numSamples*2]), binary.LittleEndian, samples); err != nil {
				return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
			}
			return samples, int(format.SampleRate), nil
		}

		// chunks are padded to an even length
		offset = body + size + size%2
	}

	return nil, 0, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

func checkFormat(f *fmtChunk) error {
	if f.AudioFormat != 1 {
		return fmt.Errorf("%w: unsupported audio format %d (only PCM is supported)", ErrInvalidWAV, f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("%w: unsupported bit depth %d (only 16-bit is supported)", ErrInvalidWAV, f.BitsPerSample)
	}
	if f.NumChannels != 1 {
		return fmt.Errorf("%w: unsupported channel count %d (only mono is supported)", ErrInvalidWAV, f.NumChannels)
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: invalid sample rate 0", ErrInvalidWAV)
	}
	return nil
}

// Duration returns the play time of n samples at sampleRate
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
