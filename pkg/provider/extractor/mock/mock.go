// Package mock provides a test double for the extractor.Extractor interface.
package mock

import (
	"context"
	"sync"

	"github.com/opencivics/civiclerk/pkg/provider/extractor"
)

// ExtractAudioCall records a single invocation of ExtractAudio.
type ExtractAudioCall struct {
	// Ctx is the context passed to ExtractAudio.
	Ctx context.Context
	// StreamURL is the stream address passed to ExtractAudio.
	StreamURL string
	// OutPath is the destination path passed to ExtractAudio.
	OutPath string
}

// ProbeCall records a single invocation of Probe.
type ProbeCall struct {
	// Ctx is the context passed to Probe.
	Ctx context.Context
	// Path is the file path passed to Probe.
	Path string
}

// Extractor is a mock implementation of extractor.Extractor.
type Extractor struct {
	mu sync.Mutex

	// ExtractFunc, if set, is called for every ExtractAudio invocation.
	// Use it to write a fake file to OutPath in tests.
	ExtractFunc func(ctx context.Context, streamURL, outPath string) error

	// ExtractErr, if non-nil, is returned from ExtractAudio when ExtractFunc
	// is unset.
	ExtractErr error

	// ProbeInfo is returned by Probe. May be nil.
	ProbeInfo *extractor.ProbeInfo

	// ProbeInfoByPath, if non-nil, overrides ProbeInfo for the given paths.
	ProbeInfoByPath map[string]*extractor.ProbeInfo

	// ProbeErr, if non-nil, is returned as the error from Probe.
	ProbeErr error

	// --- Call records ---

	// ExtractAudioCalls records every call to ExtractAudio in order.
	ExtractAudioCalls []ExtractAudioCall

	// ProbeCalls records every call to Probe in order.
	ProbeCalls []ProbeCall
}

// ExtractAudio records the call and delegates to ExtractFunc or ExtractErr.
func (e *Extractor) ExtractAudio(ctx context.Context, streamURL, outPath string) error {
	e.mu.Lock()
	e.ExtractAudioCalls = append(e.ExtractAudioCalls, ExtractAudioCall{Ctx: ctx, StreamURL: streamURL, OutPath: outPath})
	fn := e.ExtractFunc
	err := e.ExtractErr
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, streamURL, outPath)
	}
	return err
}

// Probe records the call and returns the configured info.
func (e *Extractor) Probe(ctx context.Context, path string) (*extractor.ProbeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ProbeCalls = append(e.ProbeCalls, ProbeCall{Ctx: ctx, Path: path})
	if e.ProbeErr != nil {
		return nil, e.ProbeErr
	}
	if info, ok := e.ProbeInfoByPath[path]; ok {
		return info, nil
	}
	return e.ProbeInfo, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractAudioCalls = nil
	e.ProbeCalls = nil
}

// Ensure Extractor implements extractor.Extractor at compile time.
var _ extractor.Extractor = (*Extractor)(nil)
