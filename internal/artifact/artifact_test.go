package artifact

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return s
}

// TestPaths checks the artifact naming scheme, including model sanitisation.
func TestPaths(t *testing.T) {
	s := New("/data")
	if got := s.AudioPath(4123); got != filepath.Join("/data/audio", "4123.mp3") {
		t.Errorf("unexpected audio path: %q", got)
	}
	if got := s.TranscriptPath(4123, "large-v3"); !strings.HasSuffix(got, "4123_large_v3.json") {
		t.Errorf("unexpected transcript path: %q", got)
	}
	if got := s.TranscriptPath(4123, "openai/whisper-medium"); !strings.HasSuffix(got, "4123_openai_whisper_medium.json") {
		t.Errorf("unexpected transcript path: %q", got)
	}
	if got := s.DiarizationPath(4123); !strings.HasSuffix(got, "4123_diarization.json") {
		t.Errorf("unexpected diarization path: %q", got)
	}
}

// TestTranscriptRoundTrip checks write, existence, and read of a transcript
// artifact.
func TestTranscriptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := &Transcript{
		Text: "Good evening.",
		Segments: []asr.Segment{
			{Start: 0, End: 2.4, Text: "Good evening.", Words: []asr.Word{{Word: "Good", Start: 0, End: 0.5}}},
		},
		Language:              "en",
		ProcessingTimeSeconds: 412.7,
		Model:                 "large-v3",
	}
	if s.HasTranscript(4123, "large-v3") {
		t.Fatal("transcript must not exist before write")
	}
	if err := s.WriteTranscript(4123, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.HasTranscript(4123, "large-v3") {
		t.Fatal("transcript must exist after write")
	}

	got, err := s.ReadTranscript(4123, "large-v3")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Text != "Good evening." || got.ProcessingTimeSeconds != 412.7 {
		t.Errorf("unexpected transcript: %+v", got)
	}
	if len(got.Segments) != 1 || len(got.Segments[0].Words) != 1 {
		t.Errorf("unexpected segments: %+v", got.Segments)
	}
}

// TestDiarizationRoundTrip checks the diarization artifact round trip and
// the existence probe the pipeline schedules on.
func TestDiarizationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := &Diarization{
		ClipID:             4123,
		TotalSpeakers:      5,
		IdentifiedSpeakers: 3,
		SpeakerMapping:     map[string]string{"SPEAKER_00": "Mayor Coolidge"},
		Segments: []DiarizedSegment{
			{Start: 0, End: 12.3, SpeakerID: "SPEAKER_00", SpeakerName: "Mayor Coolidge", Confidence: 0.9, Method: "pattern", Text: "I call this meeting to order."},
		},
	}
	if s.HasDiarization(4123) {
		t.Fatal("diarization must not exist before write")
	}
	if err := s.WriteDiarization(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.HasDiarization(4123) {
		t.Fatal("diarization must exist after write")
	}

	got, err := s.ReadDiarization(4123)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SpeakerMapping["SPEAKER_00"] != "Mayor Coolidge" {
		t.Errorf("unexpected mapping: %+v", got.SpeakerMapping)
	}
	if got.Segments[0].Method != "pattern" {
		t.Errorf("unexpected method: %q", got.Segments[0].Method)
	}
}

// TestReadMissing checks that reads of absent artifacts surface fs.ErrNotExist.
func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadTranscript(9999, "large-v3")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

// TestWriteAnalysis checks the analysis export write.
func TestWriteAnalysis(t *testing.T) {
	s := newTestStore(t)
	payload := map[string]any{"clip_id": 4123, "analyses": []string{"summary"}}
	if err := s.WriteAnalysis(4123, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !exists(s.AnalysisPath(4123)) {
		t.Fatal("analysis export must exist after write")
	}
}
