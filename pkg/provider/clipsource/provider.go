// Package clipsource defines the Fetcher interface for meeting video
// platforms.
//
// A clip source wraps a government video hosting platform (e.g., Granicus)
// and exposes a uniform way to retrieve the metadata page for a numbered
// clip: title, stream URL, duration, and the agenda index points the
// platform operator set while publishing the recording. Discovery probes a
// range of clip IDs against a Fetcher and records what it finds.
package clipsource

import (
	"context"
	"errors"
)

// ErrNotFound is returned by FetchClip when the platform has no clip with
// the requested ID. Discovery treats this as a normal gap in the ID space,
// not a failure.
var ErrNotFound = errors.New("clipsource: clip not found")

// IndexPoint is one agenda marker on a clip, as published by the platform.
type IndexPoint struct {
	// Seconds is the offset of the marker from the start of the video.
	Seconds int

	// Label is the raw marker text, usually "<item number> <item title>".
	Label string

	// ItemID is the platform's own identifier for the marker, when exposed.
	ItemID string
}

// ClipPage is the parsed metadata for one published clip.
type ClipPage struct {
	// Title is the page title as published (e.g.,
	// "City Council Meeting 6/3/25").
	Title string

	// StreamURL is the direct video stream address (typically an HLS
	// playlist). Empty when the page exposes no stream.
	StreamURL string

	// DurationSeconds is the video length when the page reports it; 0 when
	// unknown.
	DurationSeconds int

	// IndexPoints are the agenda markers in page order.
	IndexPoints []IndexPoint
}

// Fetcher is the abstraction over any clip hosting platform.
//
// Implementations must be safe for concurrent use; discovery probes many
// clip IDs in parallel.
type Fetcher interface {
	// FetchClip retrieves and parses the metadata page for the given clip
	// ID. Returns ErrNotFound when the platform has no such clip.
	FetchClip(ctx context.Context, clipID int) (*ClipPage, error)
}
