// Package pyannoted provides a diarizer backed by a pyannote-based
// diarization server.
//
// The server wraps the pyannote speaker-diarization pipeline behind a small
// HTTP API: POST /diarize accepts an audio file as multipart/form-data and
// returns the speaker turns as JSON. A bearer token is forwarded when
// configured, for deployments that put the server behind a gateway.
package pyannoted

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

	"github.com/opencivics/civiclerk/pkg/provider/diarizer"
)

// defaultTimeout bounds a single diarization request. Turn detection is much
// faster than transcription but still scales with meeting length.
const defaultTimeout = 30 * time.Minute

// Compile-time assertion that Client implements diarizer.Diarizer.
var _ diarizer.Diarizer = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the HTTP timeout for a single diarization request.
// Defaults to 30 minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely. Mainly useful in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements diarizer.Diarizer against a pyannote diarization server.
// Safe for concurrent use.
type Client struct {
	serverURL  string
	token      string
	httpClient *http.Client
}

// New creates a Client for the diarization server at serverURL
// (e.g., "http://localhost:9090").
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("pyannoted: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Diarize implements diarizer.Diarizer.
func (c *Client) Diarize(ctx context.Context, path string) ([]diarizer.Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pyannoted: open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, f, filepath.Base(path))
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/diarize", pr)
	if err != nil {
		return nil, fmt.Errorf("pyannoted: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pyannoted: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("pyannoted: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Turns []diarizer.Turn `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("pyannoted: parse JSON response: %w", err)
	}
	return result.Turns, nil
}

// writeForm writes the multipart fields for a diarization request.
func writeForm(mw *multipart.Writer, audio io.Reader, filename string) error {
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("copy audio data: %w", err)
	}
	return nil
}
