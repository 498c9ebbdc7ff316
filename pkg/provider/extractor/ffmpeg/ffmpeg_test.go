package ffmpeg

import (
	"context"
	"strings"
	"testing"
)

// TestExtractArgs checks the ffmpeg invocation shape: overwrite, audio-only,
// MP3 at quality 2, first audio track.
func TestExtractArgs(t *testing.T) {
	args := extractArgs("https://archive.example.com/4123.m3u8", "/data/audio/4123.mp3")
	want := []string{
		"-y",
		"-i", "https://archive.example.com/4123.m3u8",
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "2",
		"-map", "0:a:0",
		"/data/audio/4123.mp3",
	}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, args[i], want[i])
		}
	}
}

// TestExtractAudio_Validation checks empty-argument errors before any
// process is spawned.
func TestExtractAudio_Validation(t *testing.T) {
	e := New()
	if err := e.ExtractAudio(context.Background(), "", "/out.mp3"); err == nil {
		t.Error("expected error for empty streamURL")
	}
	if err := e.ExtractAudio(context.Background(), "https://x/y.m3u8", ""); err == nil {
		t.Error("expected error for empty outPath")
	}
}

// TestParseProbeOutput checks decoding of ffprobe's string-typed numbers.
func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{"format": {"format_name": "mp3", "duration": "7215.384000", "size": "115446144"}}`)
	info, err := parseProbeOutput(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Format != "mp3" {
		t.Errorf("unexpected format: %q", info.Format)
	}
	if info.DurationSeconds != 7215.384 {
		t.Errorf("unexpected duration: %v", info.DurationSeconds)
	}
	if info.SizeBytes != 115446144 {
		t.Errorf("unexpected size: %d", info.SizeBytes)
	}
}

// TestParseProbeOutput_Empty checks that a missing format section errors.
func TestParseProbeOutput_Empty(t *testing.T) {
	if _, err := parseProbeOutput([]byte(`{}`)); err == nil {
		t.Error("expected error for empty probe output")
	}
	if _, err := parseProbeOutput([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// TestParseProbeOutput_BadDuration checks malformed numeric fields.
func TestParseProbeOutput_BadDuration(t *testing.T) {
	out := []byte(`{"format": {"format_name": "mp3", "duration": "N/A"}}`)
	if _, err := parseProbeOutput(out); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

// TestLastLine checks stderr tail extraction.
func TestLastLine(t *testing.T) {
	s := "ffmpeg version 6.0\n  built with gcc\n\nhttps://x: Connection refused\n"
	if got := lastLine(s); got != "https://x: Connection refused" {
		t.Errorf("unexpected last line: %q", got)
	}
	if got := lastLine("   \n \n"); got != "" {
		t.Errorf("expected empty last line, got %q", got)
	}
	if !strings.HasPrefix(lastLine("single"), "single") {
		t.Error("expected single line returned as-is")
	}
}
