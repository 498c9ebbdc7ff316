// Package mock provides a test double for the diarizer.Diarizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/opencivics/civiclerk/pkg/provider/diarizer"
)

// DiarizeCall records a single invocation of Diarize.
type DiarizeCall struct {
	// Ctx is the context passed to Diarize.
	Ctx context.Context
	// Path is the audio file path passed to Diarize.
	Path string
}

// Diarizer is a mock implementation of diarizer.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	// Turns is returned by Diarize. May be nil.
	Turns []diarizer.Turn

	// DiarizeErr, if non-nil, is returned as the error from Diarize.
	DiarizeErr error

	// DiarizeCalls records every call to Diarize in order.
	DiarizeCalls []DiarizeCall
}

// Diarize records the call and returns the configured turns.
func (d *Diarizer) Diarize(ctx context.Context, path string) ([]diarizer.Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DiarizeCalls = append(d.DiarizeCalls, DiarizeCall{Ctx: ctx, Path: path})
	if d.DiarizeErr != nil {
		return nil, d.DiarizeErr
	}
	return d.Turns, nil
}

// Reset clears all recorded calls. Thread-safe.
func (d *Diarizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DiarizeCalls = nil
}

// Ensure Diarizer implements diarizer.Diarizer at compile time.
var _ diarizer.Diarizer = (*Diarizer)(nil)
