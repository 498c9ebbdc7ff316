// Package ffmpeg provides an audio extractor backed by the ffmpeg and
// ffprobe command line tools.
//
// ffmpeg reads the HLS stream directly and transcodes the first audio track
// to MP3, so no intermediate video file ever touches disk. ffprobe validates
// the result (and pre-existing files from interrupted runs) by reading the
// container's format section as JSON.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/opencivics/civiclerk/pkg/provider/extractor"
)

// Compile-time assertion that Extractor implements extractor.Extractor.
var _ extractor.Extractor = (*Extractor)(nil)

// Option is a functional option for configuring an Extractor.
type Option func(*Extractor)

// WithFFmpegPath overrides the ffmpeg binary path. Defaults to "ffmpeg"
// resolved via PATH.
func WithFFmpegPath(path string) Option {
	return func(e *Extractor) {
		e.ffmpegPath = path
	}
}

// WithFFprobePath overrides the ffprobe binary path. Defaults to "ffprobe".
func WithFFprobePath(path string) Option {
	return func(e *Extractor) {
		e.ffprobePath = path
	}
}

// Extractor implements extractor.Extractor by shelling out to ffmpeg.
// Safe for concurrent use; each call runs its own process.
type Extractor struct {
	ffmpegPath  string
	ffprobePath string
}

// New creates an Extractor using ffmpeg and ffprobe from PATH unless
// overridden by options.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// extractArgs builds the ffmpeg argument list for one extraction:
// overwrite the output, drop video, encode the first audio track as
// high-quality MP3.
func extractArgs(streamURL, outPath string) []string {
	return []string{
		"-y",
		"-i", streamURL,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "2",
		"-map", "0:a:0",
		outPath,
	}
}

// ExtractAudio implements extractor.Extractor.
func (e *Extractor) ExtractAudio(ctx context.Context, streamURL, outPath string) error {
	if streamURL == "" {
		return errors.New("ffmpeg: streamURL must not be empty")
	}
	if outPath == "" {
		return errors.New("ffmpeg: outPath must not be empty")
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath, extractArgs(streamURL, outPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Remove the partial output so a retry never mistakes it for a
		// completed download.
		os.Remove(outPath)
		return fmt.Errorf("ffmpeg: extract %s: %w: %s", streamURL, err, lastLine(stderr.String()))
	}
	return nil
}

// Probe implements extractor.Extractor.
func (e *Extractor) Probe(ctx context.Context, path string) (*extractor.ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: probe %s: %w", path, err)
	}
	return parseProbeOutput(out)
}

// parseProbeOutput decodes ffprobe's -show_format JSON. ffprobe reports
// numeric fields as strings.
func parseProbeOutput(out []byte) (*extractor.ProbeInfo, error) {
	var raw struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			Size       string `json:"size"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("ffmpeg: parse probe output: %w", err)
	}
	if raw.Format.FormatName == "" && raw.Format.Duration == "" {
		return nil, errors.New("ffmpeg: probe output has no format section")
	}

	info := &extractor.ProbeInfo{Format: raw.Format.FormatName}
	if raw.Format.Duration != "" {
		d, err := strconv.ParseFloat(raw.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: parse duration %q: %w", raw.Format.Duration, err)
		}
		info.DurationSeconds = d
	}
	if raw.Format.Size != "" {
		s, err := strconv.ParseInt(raw.Format.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: parse size %q: %w", raw.Format.Size, err)
		}
		info.SizeBytes = s
	}
	return info, nil
}

// lastLine returns the final non-empty line of s, which for ffmpeg stderr is
// usually the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
