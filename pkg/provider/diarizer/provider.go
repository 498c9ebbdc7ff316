// Package diarizer defines the Diarizer interface for speaker turn
// detection backends.
//
// A diarizer answers "who spoke when" without knowing who anyone is: it
// partitions an audio file into turns labelled with anonymous speaker IDs
// (SPEAKER_00, SPEAKER_01, …). The attribution stage maps those IDs to
// council member names by fusing the turns with transcript evidence.
package diarizer

import "context"

// Turn is one contiguous stretch of speech by a single speaker.
type Turn struct {
	// Start and End are offsets in seconds from the start of the audio.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// SpeakerID is the anonymous label assigned by the engine
	// (e.g., "SPEAKER_00"). Labels are stable within one file only.
	SpeakerID string `json:"speaker"`
}

// Diarizer is the abstraction over any speaker turn detection backend.
type Diarizer interface {
	// Diarize partitions the audio file at path into speaker turns in
	// chronological order. Blocks until the engine finishes or ctx is
	// cancelled.
	Diarize(ctx context.Context, path string) ([]Turn, error)
}
