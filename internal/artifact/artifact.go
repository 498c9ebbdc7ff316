// Package artifact implements the filesystem artifact store.
//
// Every stage writes its output as a file under the data directory before it
// advances the meeting's status in the ledger. That ordering is the
// pipeline's resume primitive: artifacts on disk are the proof of completed
// work, so a crashed run picks up by checking which files already exist.
// All JSON writes go through renameio so a crash mid-write can never leave
// a truncated artifact that a later resume would trust.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// Transcript is the on-disk transcript artifact for one engine's pass over
// one meeting.
type Transcript struct {
	Text     string        `json:"text"`
	Segments []asr.Segment `json:"segments"`
	Language string        `json:"language"`

	// ProcessingTimeSeconds is the wall time the engine spent.
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`

	// Model labels the engine that produced this transcript.
	Model string `json:"model"`
}

// DiarizedSegment is one attributed transcript segment in a diarization
// artifact.
type DiarizedSegment struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID string  `json:"speaker_id"`

	// SpeakerName is the resolved person, empty when unidentified.
	SpeakerName string `json:"speaker_name,omitempty"`

	// Confidence is the attribution confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Method names the evidence that produced the attribution
	// (e.g., "pattern", "agenda", "llm", "turn-detector-mapped").
	Method string `json:"method,omitempty"`

	// Text is the segment text, truncated for artifact size.
	Text string `json:"text"`
}

// Diarization is the on-disk speaker attribution artifact for one meeting.
type Diarization struct {
	ClipID int `json:"clip_id"`

	// TotalSpeakers is the number of distinct acoustic speakers detected.
	TotalSpeakers int `json:"total_speakers"`

	// IdentifiedSpeakers is how many of them were resolved to names.
	IdentifiedSpeakers int `json:"identified_speakers"`

	// SpeakerMapping maps anonymous speaker IDs to resolved names.
	SpeakerMapping map[string]string `json:"speaker_mapping"`

	Segments []DiarizedSegment `json:"segments"`
}

// Store resolves and reads/writes artifact files under one data directory.
type Store struct {
	audioDir       string
	transcriptDir  string
	diarizationDir string
	analysisDir    string
}

// New creates a Store rooted at dataDir. Call EnsureDirs before first use
// (the setup command does this).
func New(dataDir string) *Store {
	return &Store{
		audioDir:       filepath.Join(dataDir, "audio"),
		transcriptDir:  filepath.Join(dataDir, "transcripts"),
		diarizationDir: filepath.Join(dataDir, "diarization"),
		analysisDir:    filepath.Join(dataDir, "analysis"),
	}
}

// EnsureDirs creates the artifact directory tree.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.audioDir, s.transcriptDir, s.diarizationDir, s.analysisDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifact: create %s: %w", dir, err)
		}
	}
	return nil
}

// AudioPath returns the audio file location for a meeting.
func (s *Store) AudioPath(clipID int) string {
	return filepath.Join(s.audioDir, fmt.Sprintf("%d.mp3", clipID))
}

// TranscriptPath returns the transcript artifact location for one meeting
// and engine model. Model names are sanitised for the filesystem.
func (s *Store) TranscriptPath(clipID int, model string) string {
	return filepath.Join(s.transcriptDir, fmt.Sprintf("%d_%s.json", clipID, sanitizeModel(model)))
}

// DiarizationPath returns the diarization artifact location for a meeting.
func (s *Store) DiarizationPath(clipID int) string {
	return filepath.Join(s.diarizationDir, fmt.Sprintf("%d_diarization.json", clipID))
}

// AnalysisPath returns the analysis export location for a meeting.
func (s *Store) AnalysisPath(clipID int) string {
	return filepath.Join(s.analysisDir, fmt.Sprintf("%d_analysis.json", clipID))
}

// sanitizeModel maps a model name to a filesystem-safe token
// ("large-v3" → "large_v3", "openai/whisper-medium" → "openai_whisper_medium").
func sanitizeModel(model string) string {
	return strings.NewReplacer("/", "_", "-", "_").Replace(model)
}

// WriteTranscript atomically writes a transcript artifact.
func (s *Store) WriteTranscript(clipID int, t *Transcript) error {
	return writeJSON(s.TranscriptPath(clipID, t.Model), t)
}

// ReadTranscript reads the transcript artifact for one meeting and model.
func (s *Store) ReadTranscript(clipID int, model string) (*Transcript, error) {
	var t Transcript
	if err := readJSON(s.TranscriptPath(clipID, model), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// HasTranscript reports whether the transcript artifact exists.
func (s *Store) HasTranscript(clipID int, model string) bool {
	return exists(s.TranscriptPath(clipID, model))
}

// WriteDiarization atomically writes a diarization artifact.
func (s *Store) WriteDiarization(d *Diarization) error {
	return writeJSON(s.DiarizationPath(d.ClipID), d)
}

// ReadDiarization reads the diarization artifact for a meeting.
func (s *Store) ReadDiarization(clipID int) (*Diarization, error) {
	var d Diarization
	if err := readJSON(s.DiarizationPath(clipID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// HasDiarization reports whether the diarization artifact exists. The
// pipeline uses this, not a ledger status, to decide whether a transcribed
// meeting still needs attribution.
func (s *Store) HasDiarization(clipID int) bool {
	return exists(s.DiarizationPath(clipID))
}

// WriteAnalysis atomically writes the analysis export for a meeting.
func (s *Store) WriteAnalysis(clipID int, payload any) error {
	return writeJSON(s.AnalysisPath(clipID), payload)
}

// HasAudio reports whether the audio file exists (any size; callers probe
// it for playability before trusting it).
func (s *Store) HasAudio(clipID int) bool {
	return exists(s.AudioPath(clipID))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("artifact: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact: parse %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
