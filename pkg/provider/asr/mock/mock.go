// Package mock provides a test double for the asr.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// TranscribeFileCall records a single invocation of TranscribeFile.
type TranscribeFileCall struct {
	// Ctx is the context passed to TranscribeFile.
	Ctx context.Context
	// Path is the audio file path passed to TranscribeFile.
	Path string
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by TranscribeFile. May be nil.
	Result *asr.Result

	// ResultsByPath, if non-nil, overrides Result for the given paths.
	ResultsByPath map[string]*asr.Result

	// TranscribeErr, if non-nil, is returned as the error from TranscribeFile.
	TranscribeErr error

	// TranscribeFunc, if set, overrides all other response fields and is
	// called for every TranscribeFile invocation. The call is still recorded.
	TranscribeFunc func(ctx context.Context, path string) (*asr.Result, error)

	// ModelName is returned by Model. Defaults to "mock" when empty.
	ModelName string

	// TranscribeFileCalls records every call to TranscribeFile in order.
	TranscribeFileCalls []TranscribeFileCall
}

// TranscribeFile records the call and returns the configured result. When
// TranscribeFunc is set it runs outside the mock's lock, so it may block.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	p.mu.Lock()
	p.TranscribeFileCalls = append(p.TranscribeFileCalls, TranscribeFileCall{Ctx: ctx, Path: path})
	fn := p.TranscribeFunc
	err := p.TranscribeErr
	result := p.Result
	if r, ok := p.ResultsByPath[path]; ok {
		result = r
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Model returns ModelName, defaulting to "mock".
func (p *Provider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelName == "" {
		return "mock"
	}
	return p.ModelName
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeFileCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
