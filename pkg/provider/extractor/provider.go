// Package extractor defines the Extractor interface for pulling audio tracks
// out of meeting video streams.
//
// The download stage hands an implementation the stream URL recorded during
// discovery and a destination path; the implementation produces a local
// audio file suitable for the ASR engines. Probe exists so the stage can
// verify a file on disk (including one left behind by an interrupted run)
// before marking the meeting downloaded.
package extractor

import "context"

// ProbeInfo describes an audio file on disk.
type ProbeInfo struct {
	// DurationSeconds is the playable duration.
	DurationSeconds float64

	// Format is the container format name (e.g., "mp3").
	Format string

	// SizeBytes is the file size.
	SizeBytes int64
}

// Extractor is the abstraction over any audio extraction backend.
type Extractor interface {
	// ExtractAudio downloads the stream at streamURL and writes its audio
	// track to outPath. Blocks until extraction completes or ctx is
	// cancelled.
	ExtractAudio(ctx context.Context, streamURL, outPath string) error

	// Probe inspects the audio file at path and reports its duration,
	// format, and size. Returns an error when the file is missing or not
	// playable.
	Probe(ctx context.Context, path string) (*ProbeInfo, error)
}
