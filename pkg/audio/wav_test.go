package audio

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, samples, 16000); err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}

	decoded, rate, err := DecodeWAV(&buf)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("len(decoded) = %d, want %d", len(decoded), len(samples))
	}
	// int16 quantisation loses at most 1/32768 per sample.
	for i := range samples {
		if diff := math.Abs(float64(decoded[i] - samples[i])); diff > 1.0/32000 {
			t.Fatalf("sample %d differs by %v", i, diff)
		}
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	_, _, err := DecodeWAV(bytes.NewReader([]byte("definitely not a wav file")))
	if !errors.Is(err, ErrNotWAV) {
		t.Errorf("err = %v, want ErrNotWAV", err)
	}
}

func TestDecodeWAV_RejectsStereo(t *testing.T) {
	// Hand-build a stereo header.
	var buf bytes.Buffer
	if err := EncodeWAV(&buf, make([]float32, 100), 16000); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	b[22] = 2 // channel count
	_, _, err := DecodeWAV(bytes.NewReader(b))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReadWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := []float32{0, 0.25, -0.25, 0.5, -0.5, 1, -1}

	if err := WriteWAVFile(path, samples, 16000); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	got, rate, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile() error = %v", err)
	}
	if rate != 16000 || len(got) != len(samples) {
		t.Errorf("got rate=%d len=%d, want rate=16000 len=%d", rate, len(got), len(samples))
	}
}

func TestPeakNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want []float32
	}{
		{"scales up", []float32{0.5, -0.25}, []float32{1, -0.5}},
		{"silence unchanged", []float32{0, 0, 0}, []float32{0, 0, 0}},
		{"already normalised", []float32{1, -0.5}, []float32{1, -0.5}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]float32(nil), tt.in...)
			got := PeakNormalize(in)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSampleRange(t *testing.T) {
	samples := make([]float32, 16000) // 1 s

	if got := SampleRange(samples, 16000, 0.25, 0.5); len(got) != 4000 {
		t.Errorf("len = %d, want 4000", len(got))
	}
	if got := SampleRange(samples, 16000, 0.9, 2.0); len(got) != 1600 {
		t.Errorf("clamped len = %d, want 1600", len(got))
	}
	if got := SampleRange(samples, 16000, 0.5, 0.5); got != nil {
		t.Errorf("empty range should be nil, got len %d", len(got))
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
}
