// Package whisperd provides an ASR provider backed by a running
// whisper-server binary (the HTTP server that ships with whisper.cpp).
//
// The server exposes a batch REST API at POST /inference that accepts an
// audio file as multipart/form-data and returns the transcript as JSON.
// With response_format=verbose_json the response includes segment and
// word-level timestamps, which downstream stages depend on for agenda
// alignment and speaker attribution.
//
// Run one server per model; the pipeline points two providers at two
// servers (large-v3 and medium) for the dual-engine comparison:
//
//	primary, err := whisperd.New("http://localhost:8080", "large-v3",
//	    whisperd.WithLanguage("en"),
//	)
//	result, err := primary.TranscribeFile(ctx, "data/audio/4123.mp3")
package whisperd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

const (
	defaultLanguage = "en"

	// defaultTimeout bounds a single inference request. A two-hour meeting
	// through large-v3 on CPU can take well over an hour, so this is generous
	// by default; tighten it per deployment via WithTimeout.
	defaultTimeout = 2 * time.Hour
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server (e.g., "en", "es").
// Defaults to "en"; council recordings are not worth auto-detecting.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the HTTP timeout for a single inference request.
// Defaults to 2 hours.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely. Mainly useful in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements asr.Provider backed by a whisper-server instance.
// Safe for concurrent use; the server serialises inference internally.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider that talks to the whisper-server at serverURL
// (e.g., "http://localhost:8080"). model names the model the server was
// started with; it is recorded on every transcript, not forwarded to the
// server. Both arguments must be non-empty.
func New(serverURL, model string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisperd: serverURL must not be empty")
	}
	if model == "" {
		return nil, errors.New("whisperd: model must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		model:      model,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Model implements asr.Provider.
func (p *Provider) Model() string { return p.model }

// TranscribeFile implements asr.Provider. It uploads the file at path to the
// server's /inference endpoint and parses the verbose JSON response.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (*asr.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("whisperd: open audio file: %w", err)
	}
	defer f.Close()

	// Stream the multipart body through a pipe so multi-gigabyte audio files
	// are never held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, f, filepath.Base(path), p.language)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", pr)
	if err != nil {
		return nil, fmt.Errorf("whisperd: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisperd: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("whisperd: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisperd: read response body: %w", err)
	}

	return parseVerboseJSON(data)
}

// writeForm writes the multipart fields for an inference request.
func writeForm(mw *multipart.Writer, audio io.Reader, filename, language string) error {
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return fmt.Errorf("write response_format field: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return fmt.Errorf("write language field: %w", err)
		}
	}
	return nil
}

// verboseResponse mirrors the verbose_json schema emitted by whisper-server.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	} `json:"segments"`
}

// parseVerboseJSON converts a verbose_json response body into an asr.Result.
func parseVerboseJSON(data []byte) (*asr.Result, error) {
	var raw verboseResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("whisperd: parse JSON response: %w", err)
	}

	result := &asr.Result{
		Text:     strings.TrimSpace(raw.Text),
		Language: raw.Language,
		Segments: make([]asr.Segment, 0, len(raw.Segments)),
	}
	for _, s := range raw.Segments {
		seg := asr.Segment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, asr.Word{
				Word:  strings.TrimSpace(w.Word),
				Start: w.Start,
				End:   w.End,
			})
		}
		result.Segments = append(result.Segments, seg)
	}
	return result, nil
}
