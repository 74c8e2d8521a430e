package audio

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/mewkiz/flac"
)

func TestEncodeFLAC(t *testing.T) {
	sampleRate := 16000
	// more than one frame so the short trailing frame is exercised
	samples := make([]int16, FLACBlockSize+1000)
	for i := range samples {
		samples[i] = int16((i*37)%65535 - 32767)
	}

	data, err := EncodeFLAC(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeFLAC failed: %v", err)
	}
	if string(data[:4]) != "fLaC" {
		t.Fatalf("Expected fLaC signature, got %q", data[:4])
	}

	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to parse FLAC stream: %v", err)
	}
	defer stream.Close()

	if stream.Info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, stream.Info.SampleRate)
	}
	if stream.Info.NChannels != 1 {
		t.Errorf("Expected 1 channel, got %d", stream.Info.NChannels)
	}
	if stream.Info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", stream.Info.BitsPerSample)
	}

	var decoded []int16
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Failed to parse frame: %v", err)
		}
		for _, s := range f.Subframes[0].Samples {
			decoded = append(decoded, int16(s))
		}
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestEncodeFLACInvalid(t *testing.T) {
	if _, err := EncodeFLAC(nil, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
	if _, err := EncodeFLAC([]int16{1, 2, 3}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}
