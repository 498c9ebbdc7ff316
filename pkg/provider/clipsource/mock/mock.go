// Package mock provides a test double for the clipsource.Fetcher interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencivics/civiclerk/pkg/provider/clipsource"
)

// FetchClipCall records a single invocation of FetchClip.
type FetchClipCall struct {
	// Ctx is the context passed to FetchClip.
	Ctx context.Context
	// ClipID is the clip ID passed to FetchClip.
	ClipID int
}

// Fetcher is a mock implementation of clipsource.Fetcher.
// Populate Clips with the pages to serve; IDs not present return
// clipsource.ErrNotFound, matching how a real platform behaves for gaps in
// the clip ID space.
type Fetcher struct {
	mu sync.Mutex

	// Clips maps clip IDs to the pages FetchClip returns.
	Clips map[int]*clipsource.ClipPage

	// Errs maps clip IDs to injected errors, taking precedence over Clips.
	Errs map[int]error

	// FetchClipCalls records every call to FetchClip in order.
	FetchClipCalls []FetchClipCall
}

// FetchClip records the call and serves from Clips and Errs.
func (f *Fetcher) FetchClip(ctx context.Context, clipID int) (*clipsource.ClipPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchClipCalls = append(f.FetchClipCalls, FetchClipCall{Ctx: ctx, ClipID: clipID})
	if err, ok := f.Errs[clipID]; ok {
		return nil, err
	}
	if clip, ok := f.Clips[clipID]; ok {
		return clip, nil
	}
	return nil, fmt.Errorf("mock: clip %d: %w", clipID, clipsource.ErrNotFound)
}

// Reset clears all recorded calls. Thread-safe.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchClipCalls = nil
}

// Ensure Fetcher implements clipsource.Fetcher at compile time.
var _ clipsource.Fetcher = (*Fetcher)(nil)
