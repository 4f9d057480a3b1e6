// Package types defines the shared data model used across all Tablescribe
// packages.
//
// These types form the lingua franca between the transcoder, chunker,
// transcription and diarization providers, the classifier, and the pipeline
// orchestrator. Each package defines its own domain types, but cross-cutting
// data structures live here to avoid circular imports.
//
// All times are absolute seconds from the start of the source recording
// unless a field documents otherwise.
package types

// CanonicalSampleRate is the sample rate of the canonical PCM representation
// every input recording is transcoded to before processing (16 kHz mono s16le).
const CanonicalSampleRate = 16000

// UnknownSpeaker is the speaker label assigned to transcription segments that
// overlap no diarized speaker interval.
const UnknownSpeaker = "UNKNOWN"

// FallbackSpeaker is the single speaker label emitted when diarization is
// unavailable and the whole recording is attributed to one voice.
const FallbackSpeaker = "SPEAKER_00"

// AudioChunk is a contiguous, possibly-overlapping slice of the source audio.
// Chunks own their sample buffer during a process run; on checkpoint resume
// the buffer is re-derived from the canonical WAV, so only the metadata is
// persisted.
type AudioChunk struct {
	// Index is the zero-based position of this chunk. Strictly monotonic.
	Index int `json:"chunk_index"`

	// Start is the chunk's start within the recording, in seconds.
	Start float64 `json:"start_time"`

	// End is the chunk's end within the recording, in seconds. Always > Start.
	End float64 `json:"end_time"`

	// SampleRate of the Samples buffer, in Hz.
	SampleRate int `json:"sample_rate"`

	// Samples is the mono float32 audio covering [Start, End). Nil after a
	// checkpoint round-trip; reload from the canonical WAV before use.
	Samples []float32 `json:"-"`
}

// Duration returns the chunk length in seconds.
func (c AudioChunk) Duration() float64 { return c.End - c.Start }

// WordTiming holds per-word detail from transcription backends that
// support it.
type WordTiming struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// TranscriptionSegment is a unit of transcribed text with an interval on the
// absolute recording timeline. Words, when present, are ordered and lie
// within [Start, End].
type TranscriptionSegment struct {
	Text string `json:"text"`

	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`

	// Confidence is the backend's confidence in this segment, in [0, 1].
	// Zero when the backend does not report confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// Words contains per-word timings when the backend provides them.
	Words []WordTiming `json:"words,omitempty"`
}

// ChunkTranscription is the transcription result for a single AudioChunk.
// All segment times have already been shifted onto the absolute timeline and
// fall inside [ChunkStart, ChunkEnd].
type ChunkTranscription struct {
	ChunkIndex int     `json:"chunk_index"`
	ChunkStart float64 `json:"chunk_start"`
	ChunkEnd   float64 `json:"chunk_end"`

	Segments []TranscriptionSegment `json:"segments"`

	// Language is the BCP-47 code reported or assumed by the backend.
	Language string `json:"language"`
}

// SpeakerSegment is a diarized interval attributed to one speaker.
// SpeakerID is an opaque stable label ("SPEAKER_NN" or a provider tag).
type SpeakerSegment struct {
	SpeakerID string  `json:"speaker_id"`
	Start     float64 `json:"start_time"`
	End       float64 `json:"end_time"`
}

// LabeledSegment is a transcription segment with its best-overlapping speaker
// attached. Produced by the aligner; shared read-only by the formatter,
// snippet exporter, and knowledge extractor.
type LabeledSegment struct {
	Text string `json:"text"`

	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`

	// SpeakerID is the diarized speaker, or [UnknownSpeaker] when no speaker
	// interval overlapped this segment.
	SpeakerID string `json:"speaker_id"`

	Confidence float64      `json:"confidence,omitempty"`
	Words      []WordTiming `json:"words,omitempty"`
}

// Duration returns the segment length in seconds.
func (s LabeledSegment) Duration() float64 { return s.End - s.Start }

// Label is the in-character / out-of-character classification of a segment.
type Label string

const (
	// LabelIC marks speech spoken in character.
	LabelIC Label = "IC"

	// LabelOOC marks table talk outside the fiction.
	LabelOOC Label = "OOC"

	// LabelMixed marks segments containing both.
	LabelMixed Label = "MIXED"
)

// IsValid reports whether l is a recognised classification label.
func (l Label) IsValid() bool {
	switch l {
	case LabelIC, LabelOOC, LabelMixed:
		return true
	}
	return false
}

// Classification is the classifier's verdict for one labeled segment.
// Results align positionally: SegmentIndex references the ordered
// []LabeledSegment the classifier was invoked with.
type Classification struct {
	SegmentIndex int   `json:"segment_index"`
	Label        Label `json:"classification"`

	// Confidence is clamped to [0, 1] by the parser.
	Confidence float64 `json:"confidence"`

	// Reasoning is the model's free-text justification. Never empty: parse
	// failures and defaulted results carry an explanatory string.
	Reasoning string `json:"reasoning"`

	// Character is the roster character the segment is attributed to when
	// Label is IC. Empty when not applicable or when the model answered "N/A".
	Character string `json:"character,omitempty"`
}

// SpeechInterval is a VAD-detected span of speech, in seconds from the start
// of the analysed audio.
type SpeechInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the interval length in seconds.
func (i SpeechInterval) Duration() float64 { return i.End - i.Start }
