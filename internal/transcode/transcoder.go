// Package transcode wraps the external ffmpeg binary. It is the only place
// in Tablescribe that understands non-canonical media: every input recording
// is converted to 16 kHz mono 16-bit PCM WAV here, and every per-segment clip
// is cut here with explicit seek/duration flags so the full recording never
// has to be resident in memory.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// EnvFFmpegPath names the environment variable that overrides ffmpeg
// discovery. When set it must point at a usable binary.
const EnvFFmpegPath = "TABLESCRIBE_FFMPEG"

const (
	// minOutputBytes is the plausibility floor for a converted file. Anything
	// smaller than 1 KiB cannot hold meaningful audio plus a WAV header.
	minOutputBytes = 1024

	// extractTimeout is the hard wall-clock budget for a single clip
	// extraction.
	extractTimeout = 30 * time.Second

	// stderrTailBytes caps how much ffmpeg diagnostic output is attached to a
	// TranscodeError.
	stderrTailBytes = 2048
)

// runFn executes a command and returns its combined stderr. Injectable for
// tests.
type runFn func(ctx context.Context, path string, args []string) (stderr string, err error)

// Transcoder converts media through the external ffmpeg binary.
// Safe for concurrent use; each call spawns its own process.
type Transcoder struct {
	ffmpegPath string
	run        runFn
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithRunner sets a custom process runner (for testing).
func WithRunner(fn runFn) Option {
	return func(t *Transcoder) { t.run = fn }
}

// New creates a Transcoder using the ffmpeg binary at path. Use [Resolve] to
// discover the binary first.
func New(ffmpegPath string, opts ...Option) *Transcoder {
	t := &Transcoder{
		ffmpegPath: ffmpegPath,
		run:        defaultRun,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Resolve locates the ffmpeg binary: the [EnvFFmpegPath] environment variable
// wins, then the system PATH. Unlike a download-on-demand scheme, a missing
// binary is an immediate preflight error — session processing is long enough
// that operators set their environment up once.
func Resolve() (string, error) {
	if p := os.Getenv(EnvFFmpegPath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: %s is set to %q but the binary is missing", ErrNotFound, EnvFFmpegPath, p)
		}
		return p, nil
	}
	p, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("%w: not in PATH (install ffmpeg or set %s)", ErrNotFound, EnvFFmpegPath)
	}
	return p, nil
}

// ToCanonicalWAV converts any input media to 16 kHz mono 16-bit PCM WAV at
// outputPath. Returns a *TranscodeError if ffmpeg exits non-zero or the
// output is missing or implausibly small.
func (t *Transcoder) ToCanonicalWAV(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-ar", strconv.Itoa(types.CanonicalSampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-loglevel", "error",
		outputPath,
	}

	start := time.Now()
	stderr, err := t.run(ctx, t.ffmpegPath, args)
	if err != nil {
		return &TranscodeError{Input: inputPath, Stderr: tail(stderr), Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return &TranscodeError{Input: inputPath, Stderr: tail(stderr), Err: fmt.Errorf("output missing: %w", err)}
	}
	if info.Size() < minOutputBytes {
		return &TranscodeError{Input: inputPath, Stderr: tail(stderr),
			Err: fmt.Errorf("output implausibly small (%d bytes)", info.Size())}
	}

	slog.Info("transcoded to canonical WAV",
		"input", inputPath,
		"output", outputPath,
		"bytes", info.Size(),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// ExtractSegment cuts [start, end) seconds of inputPath into a standalone
// canonical WAV at outputPath, seeking in the source rather than decoding it
// from the beginning. Bounded by a 30-second wall clock; on expiry the
// process is killed and [ErrTimeout] is returned.
func (t *Transcoder) ExtractSegment(ctx context.Context, inputPath, outputPath string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("transcode: invalid segment range [%v, %v)", start, end)
	}

	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-i", inputPath,
		"-t", formatSeconds(end - start),
		"-ar", strconv.Itoa(types.CanonicalSampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
		"-loglevel", "error",
		outputPath,
	}

	stderr, err := t.run(ctx, t.ffmpegPath, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: extracting [%v, %v) from %q", ErrTimeout, start, end, inputPath)
		}
		return &TranscodeError{Input: inputPath, Stderr: tail(stderr), Err: err}
	}
	return nil
}

// ProbeDuration returns the duration of any media file in seconds by parsing
// ffmpeg's stream summary. ffmpeg exits non-zero for a bare "-i" probe, so
// the exit status is ignored as long as a Duration line is present.
func (t *Transcoder) ProbeDuration(ctx context.Context, path string) (float64, error) {
	stderr, _ := t.run(ctx, t.ffmpegPath, []string{"-i", path, "-hide_banner"})
	d, ok := parseDuration(stderr)
	if !ok {
		return 0, fmt.Errorf("transcode: no duration in ffmpeg output for %q", path)
	}
	return d, nil
}

// WAVDuration returns the duration of a canonical WAV file in seconds from
// its header, without spawning a process.
func WAVDuration(path string) (float64, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return 0, err
	}
	return audio.Duration(samples, rate), nil
}

// LoadRange loads [start, end) seconds of a canonical WAV file as float32
// samples. Passing end <= 0 loads to the end of the file.
func LoadRange(path string, start, end float64) ([]float32, int, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, 0, err
	}
	if end <= 0 {
		end = audio.Duration(samples, rate)
	}
	return audio.SampleRange(samples, rate, start, end), rate, nil
}

// defaultRun is the production runner: execute and capture stderr, which is
// where ffmpeg writes all diagnostics.
func defaultRun(ctx context.Context, path string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// parseDuration extracts "Duration: HH:MM:SS.cc" from ffmpeg stderr.
func parseDuration(stderr string) (float64, bool) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Duration:") {
			continue
		}
		fields := strings.SplitN(strings.TrimPrefix(line, "Duration:"), ",", 2)
		ts := strings.TrimSpace(fields[0])
		var h, m int
		var s float64
		if _, err := fmt.Sscanf(ts, "%d:%d:%f", &h, &m, &s); err != nil {
			continue
		}
		return float64(h)*3600 + float64(m)*60 + s, true
	}
	return 0, false
}

// formatSeconds renders a seek/duration value for an ffmpeg flag.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// tail returns at most the last stderrTailBytes of s.
func tail(s string) string {
	if len(s) <= stderrTailBytes {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-stderrTailBytes:])
}
