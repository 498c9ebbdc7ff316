package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	asrmock "github.com/opencivics/civiclerk/pkg/provider/asr/mock"
)

const testClipID = 1000

func newTestTranscriber(t *testing.T, primary, secondary asr.Provider) (*Transcriber, *ledger.Store, *artifact.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	files := artifact.New(cfg.DataDir)
	if err := files.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	store, err := ledger.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, files, primary, secondary), store, files
}

func insertDownloaded(t *testing.T, store *ledger.Store, clipID int) {
	t.Helper()
	err := store.InsertMeeting(&ledger.Meeting{
		ClipID:      clipID,
		Title:       "City Council Meeting 6/3/25",
		MeetingDate: "2025-06-03",
		Status:      ledger.StatusDownloaded,
	})
	if err != nil {
		t.Fatalf("InsertMeeting: %v", err)
	}
}

func engineResult(text string) *asr.Result {
	words := strings.Fields(text)
	seg := asr.Segment{Start: 0, End: float64(len(words)), Text: text}
	for i, w := range words {
		seg.Words = append(seg.Words, asr.Word{Word: w, Start: float64(i), End: float64(i + 1)})
	}
	return &asr.Result{Text: text, Segments: []asr.Segment{seg}, Language: "en"}
}

// TestTranscribeMeeting_DualEngines checks the happy path: both engines run,
// both artifacts land on disk, and the ledger carries the primary text with
// the combined model label.
func TestTranscribeMeeting_DualEngines(t *testing.T) {
	primary := &asrmock.Provider{ModelName: "large-v3", Result: engineResult("good evening everyone")}
	secondary := &asrmock.Provider{ModelName: "medium", Result: engineResult("good evening everyone")}
	tr, store, files := newTestTranscriber(t, primary, secondary)
	insertDownloaded(t, store, testClipID)

	if err := tr.TranscribeMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("TranscribeMeeting: %v", err)
	}

	m, _ := store.Meeting(testClipID)
	if m.Status != ledger.StatusTranscribed {
		t.Errorf("status = %q, want transcribed", m.Status)
	}

	record, err := store.Transcript(testClipID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if record.FullText != "good evening everyone" {
		t.Errorf("full text = %q", record.FullText)
	}
	if record.ModelUsed != "dual:large-v3+medium" {
		t.Errorf("model used = %q", record.ModelUsed)
	}
	if len(record.Words) != 3 {
		t.Errorf("flattened words = %d, want 3", len(record.Words))
	}

	if !files.HasTranscript(testClipID, "large-v3") || !files.HasTranscript(testClipID, "medium") {
		t.Error("missing transcript artifacts on disk")
	}
	if len(primary.TranscribeFileCalls) != 1 || len(secondary.TranscribeFileCalls) != 1 {
		t.Errorf("engine calls = %d/%d, want 1/1",
			len(primary.TranscribeFileCalls), len(secondary.TranscribeFileCalls))
	}
	if primary.TranscribeFileCalls[0].Path != files.AudioPath(testClipID) {
		t.Errorf("engine fed wrong path: %q", primary.TranscribeFileCalls[0].Path)
	}
}

// TestTranscribeMeeting_ReusesArtifact checks that an engine whose artifact
// already exists is not run again.
func TestTranscribeMeeting_ReusesArtifact(t *testing.T) {
	primary := &asrmock.Provider{ModelName: "large-v3", Result: engineResult("fresh transcription")}
	secondary := &asrmock.Provider{ModelName: "medium", Result: engineResult("fresh transcription")}
	tr, store, files := newTestTranscriber(t, primary, secondary)
	insertDownloaded(t, store, testClipID)

	existing := &artifact.Transcript{
		Text:                  "previously transcribed text",
		Segments:              engineResult("previously transcribed text").Segments,
		Language:              "en",
		ProcessingTimeSeconds: 900,
		Model:                 "large-v3",
	}
	if err := files.WriteTranscript(testClipID, existing); err != nil {
		t.Fatalf("WriteTranscript: %v", err)
	}

	if err := tr.TranscribeMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("TranscribeMeeting: %v", err)
	}

	if len(primary.TranscribeFileCalls) != 0 {
		t.Errorf("primary re-transcribed despite existing artifact")
	}
	if len(secondary.TranscribeFileCalls) != 1 {
		t.Errorf("secondary calls = %d, want 1", len(secondary.TranscribeFileCalls))
	}
	record, _ := store.Transcript(testClipID)
	if record.FullText != "previously transcribed text" {
		t.Errorf("ledger text = %q, want the reused artifact's text", record.FullText)
	}
	// The reused artifact's processing time still counts toward the total.
	if record.ProcessingTimeSeconds < 900 {
		t.Errorf("processing time = %v, want at least the reused 900s", record.ProcessingTimeSeconds)
	}
}

// TestTranscribeMeeting_OneEngineAtATime checks that the engines are never
// in flight together: both whisper servers share one GPU, so requests go
// out one at a time, primary first.
func TestTranscribeMeeting_OneEngineAtATime(t *testing.T) {
	var inFlight, overlaps atomic.Int32
	var order []string
	var mu sync.Mutex

	engine := func(name, text string) func(context.Context, string) (*asr.Result, error) {
		return func(context.Context, string) (*asr.Result, error) {
			if inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return engineResult(text), nil
		}
	}
	primary := &asrmock.Provider{ModelName: "large-v3", TranscribeFunc: engine("large-v3", "full text")}
	secondary := &asrmock.Provider{ModelName: "medium", TranscribeFunc: engine("medium", "full text")}
	tr, store, _ := newTestTranscriber(t, primary, secondary)
	insertDownloaded(t, store, testClipID)

	if err := tr.TranscribeMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("TranscribeMeeting: %v", err)
	}
	if n := overlaps.Load(); n != 0 {
		t.Errorf("engines overlapped %d times, want strictly serial requests", n)
	}
	if len(order) != 2 || order[0] != "large-v3" || order[1] != "medium" {
		t.Errorf("engine order = %v, want primary first", order)
	}
}

// TestTranscribeMeeting_CommitConflictMarksFailed checks that a meeting whose
// claim is stolen mid-transcription ends up failed instead of stuck in
// "transcribing".
func TestTranscribeMeeting_CommitConflictMarksFailed(t *testing.T) {
	var store *ledger.Store
	primary := &asrmock.Provider{
		ModelName: "large-v3",
		TranscribeFunc: func(context.Context, string) (*asr.Result, error) {
			if err := store.UpdateStatus(testClipID, ledger.StatusDownloaded); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			return engineResult("good evening"), nil
		},
	}
	secondary := &asrmock.Provider{ModelName: "medium", Result: engineResult("good evening")}
	tr, s, _ := newTestTranscriber(t, primary, secondary)
	store = s
	insertDownloaded(t, store, testClipID)

	err := tr.TranscribeMeeting(context.Background(), testClipID)
	if !errors.Is(err, ledger.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	m, _ := store.Meeting(testClipID)
	if m.Status != ledger.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	events, _ := store.Events(testClipID)
	var failed bool
	for _, e := range events {
		if e.Stage == "transcribe" && e.Status == "failed" {
			failed = true
		}
	}
	if !failed {
		t.Error("no failed transcribe event logged")
	}
}

// TestTranscribeMeeting_EngineFailure checks that one failing engine marks
// the meeting failed.
func TestTranscribeMeeting_EngineFailure(t *testing.T) {
	primary := &asrmock.Provider{ModelName: "large-v3", Result: engineResult("fine")}
	secondary := &asrmock.Provider{ModelName: "medium", TranscribeErr: errors.New("server unavailable")}
	tr, store, _ := newTestTranscriber(t, primary, secondary)
	insertDownloaded(t, store, testClipID)

	if err := tr.TranscribeMeeting(context.Background(), testClipID); err == nil {
		t.Fatal("expected engine failure")
	}
	m, _ := store.Meeting(testClipID)
	if m.Status != ledger.StatusFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
}

// TestTranscribeMeeting_StatusConflict checks that only downloaded meetings
// can be claimed.
func TestTranscribeMeeting_StatusConflict(t *testing.T) {
	tr, store, _ := newTestTranscriber(t, &asrmock.Provider{}, &asrmock.Provider{})
	err := store.InsertMeeting(&ledger.Meeting{ClipID: testClipID, Title: "t", Status: ledger.StatusDiscovered})
	if err != nil {
		t.Fatalf("InsertMeeting: %v", err)
	}

	err = tr.TranscribeMeeting(context.Background(), testClipID)
	if !errors.Is(err, ledger.ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
}

// TestRun_Batch checks the batch loop's stats.
func TestRun_Batch(t *testing.T) {
	primary := &asrmock.Provider{ModelName: "large-v3", Result: engineResult("text one")}
	secondary := &asrmock.Provider{ModelName: "medium", Result: engineResult("text one")}
	tr, store, _ := newTestTranscriber(t, primary, secondary)
	insertDownloaded(t, store, testClipID)
	insertDownloaded(t, store, testClipID+1)

	stats, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Transcribed != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 transcribed", stats)
	}
}
