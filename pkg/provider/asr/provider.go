// Package asr defines the Provider interface for batch speech recognition
// backends.
//
// An ASR provider wraps a transcription engine (e.g., a local whisper-server
// instance) and exposes a uniform file-based interface: hand it a path to an
// audio file, get back the full transcript with segment and word timestamps.
// The pipeline runs every meeting through two providers with different model
// sizes and compares the results, so implementations must report which model
// produced a given transcript.
//
// Implementations hold no per-request state and are reused across meetings.
// The pipeline issues transcription requests one at a time, so a provider
// never sees more than one in-flight call.
package asr

import "context"

// Word is a single recognised word with its absolute position in the
// recording, in seconds from the start of the audio.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a contiguous stretch of recognised speech.
type Segment struct {
	// Start and End are offsets in seconds from the start of the audio.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Text is the recognised text for this segment.
	Text string `json:"text"`

	// Words holds per-word timestamps when the engine provides them.
	// May be nil.
	Words []Word `json:"words,omitempty"`
}

// Result is a complete transcription of one audio file.
type Result struct {
	// Text is the full transcript, segments joined in order.
	Text string `json:"text"`

	// Segments are the timed segments in chronological order.
	Segments []Segment `json:"segments"`

	// Language is the detected or configured language code (e.g., "en").
	Language string `json:"language"`
}

// Provider is the abstraction over any batch ASR backend.
type Provider interface {
	// TranscribeFile transcribes the audio file at path and returns the full
	// result with timestamps. Blocks until the engine finishes or ctx is
	// cancelled; council meetings run for hours, so callers should set a
	// generous deadline.
	TranscribeFile(ctx context.Context, path string) (*Result, error)

	// Model returns the identifier of the model this provider transcribes
	// with (e.g., "large-v3", "medium"). Used to label stored transcripts
	// so the validation stage can tell the two engines apart.
	Model() string
}
