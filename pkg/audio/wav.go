// Package audio provides the minimal audio primitives Tablescribe needs:
// RIFF/WAVE encoding and decoding of the canonical PCM format (16 kHz mono
// signed 16-bit little-endian), conversions between int16 PCM and float32
// sample buffers, and peak normalisation.
//
// Everything beyond this — container demuxing, codec decoding, resampling of
// arbitrary inputs — is delegated to the external transcoder
// (internal/transcode), which always hands this package canonical WAV data.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Errors returned by the WAV codec.
var (
	// ErrNotWAV is returned when the input does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

	// ErrUnsupportedFormat is returned for WAV files that are not 16-bit PCM mono.
	ErrUnsupportedFormat = errors.New("audio: unsupported WAV format (want 16-bit PCM mono)")
)

const (
	wavHeaderSize  = 44
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
)

// DecodeWAV reads a canonical WAV stream and returns its samples as float32
// in [-1, 1] along with the sample rate. Only 16-bit PCM mono is accepted;
// anything else returns [ErrUnsupportedFormat].
func DecodeWAV(r io.Reader) ([]float32, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate int
		dataFound  bool
		data       []byte
	)

	// Walk chunks until "data". Tolerates extra chunks (LIST, fact, …) that
	// some encoders emit.
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, 0, ErrUnsupportedFormat
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || channels != 1 || bits != bitsPerSample {
				return nil, 0, ErrUnsupportedFormat
			}

		case "data":
			data = make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			dataFound = true

		default:
			// Skip unknown chunk; chunks are word-aligned.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, 0, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}

		if dataFound && sampleRate > 0 {
			break
		}
	}

	if sampleRate <= 0 {
		return nil, 0, ErrUnsupportedFormat
	}
	if !dataFound {
		return nil, 0, fmt.Errorf("audio: %w: missing data chunk", ErrNotWAV)
	}

	return PCM16ToFloat32(data), sampleRate, nil
}

// EncodeWAV writes samples as a canonical 16-bit PCM mono WAV stream.
func EncodeWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	pcm := Float32ToPCM16(samples)

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*bytesPerSample))
	binary.LittleEndian.PutUint16(hdr[32:34], bytesPerSample)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}
	return nil
}

// ReadWAVFile loads an entire canonical WAV file into memory.
func ReadWAVFile(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// WriteWAVFile writes samples to path as a canonical WAV file.
func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	if err := EncodeWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audio: close %q: %w", path, err)
	}
	return nil
}

// PCM16ToFloat32 converts little-endian int16 PCM bytes to float32 samples
// in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/bytesPerSample)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts float32 samples to little-endian int16 PCM bytes,
// clamping to the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	pcm := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(v)))
	}
	return pcm
}

// Duration returns the playback length in seconds of a sample buffer.
func Duration(samples []float32, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(samples)) / float64(sampleRate)
}

// SampleRange returns the sub-buffer covering [start, end) seconds, clamped
// to the buffer bounds. The returned slice aliases samples.
func SampleRange(samples []float32, sampleRate int, start, end float64) []float32 {
	if sampleRate <= 0 || end <= start {
		return nil
	}
	lo := int(start * float64(sampleRate))
	hi := int(end * float64(sampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if lo >= hi {
		return nil
	}
	return samples[lo:hi]
}
