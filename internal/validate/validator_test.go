package validate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
	llmmock "github.com/opencivics/civiclerk/pkg/provider/llm/mock"
)

// ── test fixtures ─────────────────────────────────────────────────────────────

const testClipID = 1001

func newTestValidator(t *testing.T, fast, deep llm.Provider) (*Validator, *ledger.Store, *artifact.Store) {
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

	return New(cfg, store, files, fast, deep), store, files
}

func insertTranscribedMeeting(t *testing.T, store *ledger.Store, clipID int) {
	t.Helper()
	err := store.InsertMeeting(&ledger.Meeting{
		ClipID:      clipID,
		Title:       "City Council Meeting 6/3/25",
		MeetingDate: "2025-06-03",
		MeetingType: "City Council",
		Status:      ledger.StatusTranscribed,
	})
	if err != nil {
		t.Fatalf("InsertMeeting: %v", err)
	}
}

func writeTranscripts(t *testing.T, files *artifact.Store, clipID int, primary, secondary []asr.Segment) {
	t.Helper()
	for _, tr := range []*artifact.Transcript{
		{Text: joinSegments(primary), Segments: primary, Language: "en", Model: "large-v3"},
		{Text: joinSegments(secondary), Segments: secondary, Language: "en", Model: "medium"},
	} {
		if err := files.WriteTranscript(clipID, tr); err != nil {
			t.Fatalf("WriteTranscript(%s): %v", tr.Model, err)
		}
	}
}

func joinSegments(segments []asr.Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

func cleanScore() *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Content: `{"score": 95, "issues": [], "needs_deep_review": false}`,
		Usage:   llm.Usage{PromptTokens: 200, CompletionTokens: 20},
	}
}

// ── ValidateMeeting ───────────────────────────────────────────────────────────

// TestValidateMeeting_CleanTranscripts checks the happy path: agreeing
// engines, high coherence scores, no deep reviews.
func TestValidateMeeting_CleanTranscripts(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: cleanScore()}
	deep := &llmmock.Provider{}
	v, store, files := newTestValidator(t, fast, deep)

	segments := []asr.Segment{
		{Start: 0, End: 10, Text: "good evening and welcome to the city council meeting"},
		{Start: 10, End: 20, Text: "the clerk will please call the roll"},
	}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, segments, segments)

	if err := v.ValidateMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("ValidateMeeting: %v", err)
	}

	m, err := store.Meeting(testClipID)
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if m.Status != ledger.StatusValidated {
		t.Errorf("status = %q, want %q", m.Status, ledger.StatusValidated)
	}

	val, err := store.Validation(testClipID)
	if err != nil {
		t.Fatalf("Validation: %v", err)
	}
	if val.WERScore != 0 {
		t.Errorf("WER = %v, want 0", val.WERScore)
	}
	if len(val.DivergentSegments) != 0 {
		t.Errorf("unexpected divergent segments: %+v", val.DivergentSegments)
	}
	if len(val.Tier1Scores) != len(segments) {
		t.Errorf("tier1 scores = %d, want %d", len(val.Tier1Scores), len(segments))
	}
	if len(val.Tier2Scores) != 0 {
		t.Errorf("unexpected tier2 scores: %+v", val.Tier2Scores)
	}
	if val.MergedText != joinSegments(segments) {
		t.Errorf("merged text does not match primary transcript")
	}
	if val.HumanReviewNeeded {
		t.Error("human review requested for a clean meeting")
	}
	if len(fast.CompleteCalls) != len(segments) {
		t.Errorf("fast model calls = %d, want %d", len(fast.CompleteCalls), len(segments))
	}
	if len(deep.CompleteCalls) != 0 {
		t.Errorf("deep model called %d times for a clean meeting", len(deep.CompleteCalls))
	}
}

// TestValidateMeeting_DivergentSegmentEscalated checks that a segment where
// the engines disagree goes to the deep model even when the fast pass is
// happy, and that the deep verdict is stored.
func TestValidateMeeting_DivergentSegmentEscalated(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: cleanScore()}
	deep := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{
			Content: `{"coherence_score": 70, "preferred_transcription": "large_v3",
				"issues": ["secondary engine garbled the project name"],
				"corrections": {"valleys edge": "Valley's Edge"},
				"needs_human_review": true}`,
		}},
	}
	v, store, files := newTestValidator(t, fast, deep)

	primary := []asr.Segment{
		{Start: 0, End: 10, Text: "good evening and welcome to the city council meeting"},
		{Start: 10, End: 20, Text: "item three is the valley's edge appeal hearing"},
	}
	secondary := []asr.Segment{
		{Start: 0, End: 10, Text: "good evening and welcome to the city council meeting"},
		{Start: 10, End: 20, Text: "item three of the valleys edge of a peel hearing now"},
	}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, primary, secondary)

	if err := v.ValidateMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("ValidateMeeting: %v", err)
	}

	val, err := store.Validation(testClipID)
	if err != nil {
		t.Fatalf("Validation: %v", err)
	}
	if len(val.DivergentSegments) != 1 || val.DivergentSegments[0].Index != 1 {
		t.Fatalf("unexpected divergent segments: %+v", val.DivergentSegments)
	}
	if len(val.Tier2Scores) != 1 {
		t.Fatalf("tier2 scores = %d, want 1", len(val.Tier2Scores))
	}
	t2 := val.Tier2Scores[0]
	if t2.Index != 1 || t2.PreferredTranscription != "large_v3" {
		t.Errorf("unexpected tier2 verdict: %+v", t2)
	}
	if t2.Corrections["valleys edge"] != "Valley's Edge" {
		t.Errorf("corrections not preserved: %+v", t2.Corrections)
	}
	if !val.HumanReviewNeeded {
		t.Error("human review flag not propagated from deep verdict")
	}
	if len(val.Issues) != 1 || val.Issues[0] != "secondary engine garbled the project name" {
		t.Errorf("unexpected issues: %+v", val.Issues)
	}

	if len(deep.CompleteCalls) != 1 {
		t.Fatalf("deep model calls = %d, want 1", len(deep.CompleteCalls))
	}
	prompt := deep.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(prompt, primary[1].Text) || !strings.Contains(prompt, secondary[1].Text) {
		t.Error("deep prompt missing one of the engine texts")
	}
	if !strings.Contains(prompt, "Valley's Edge") {
		t.Error("deep prompt missing local terms")
	}
}

// TestValidateMeeting_UnparseableFastResponse checks that a fast response
// with no JSON degrades to the neutral score, which falls below the
// coherence threshold and so still escalates the segment.
func TestValidateMeeting_UnparseableFastResponse(t *testing.T) {
	fast := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: "I am not able to evaluate this segment."},
		},
		CompleteResponse: cleanScore(),
	}
	deep := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"coherence_score": 90, "preferred_transcription": "large_v3", "issues": [], "needs_human_review": false}`,
		},
	}
	v, store, files := newTestValidator(t, fast, deep)

	segments := []asr.Segment{
		{Start: 0, End: 10, Text: "call to order and pledge of allegiance"},
		{Start: 10, End: 20, Text: "approval of the consent agenda"},
	}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, segments, segments)

	if err := v.ValidateMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("ValidateMeeting: %v", err)
	}

	val, err := store.Validation(testClipID)
	if err != nil {
		t.Fatalf("Validation: %v", err)
	}
	t1 := val.Tier1Scores[0]
	if t1.Score != 50 || t1.NeedsDeepReview {
		t.Errorf("unexpected fallback tier1 score: %+v", t1)
	}
	if len(t1.Issues) != 1 || t1.Issues[0] != "Failed to parse validation response" {
		t.Errorf("unexpected fallback issues: %+v", t1.Issues)
	}
	if len(val.Tier2Scores) != 1 || val.Tier2Scores[0].Index != 0 {
		t.Fatalf("escalation missing: %+v", val.Tier2Scores)
	}
	if val.HumanReviewNeeded {
		t.Error("clean deep verdict should not request human review")
	}
}

// TestValidateMeeting_UnparseableDeepResponse checks the deep-pass fallback:
// keep the primary engine and ask for a human.
func TestValidateMeeting_UnparseableDeepResponse(t *testing.T) {
	fast := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: `{"score": 40, "issues": ["garbled roll call"], "needs_deep_review": true}`},
		},
		CompleteResponse: cleanScore(),
	}
	deep := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "thinking... no answer"},
	}
	v, store, files := newTestValidator(t, fast, deep)

	segments := []asr.Segment{
		{Start: 0, End: 10, Text: "grbl grbl the roll"},
		{Start: 10, End: 20, Text: "approval of the consent agenda"},
	}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, segments, segments)

	if err := v.ValidateMeeting(context.Background(), testClipID); err != nil {
		t.Fatalf("ValidateMeeting: %v", err)
	}

	val, err := store.Validation(testClipID)
	if err != nil {
		t.Fatalf("Validation: %v", err)
	}
	if len(val.Tier2Scores) != 1 {
		t.Fatalf("tier2 scores = %d, want 1", len(val.Tier2Scores))
	}
	t2 := val.Tier2Scores[0]
	if t2.CoherenceScore != 50 || t2.PreferredTranscription != "large_v3" || !t2.NeedsHumanReview {
		t.Errorf("unexpected deep fallback: %+v", t2)
	}
	if !val.HumanReviewNeeded {
		t.Error("human review flag not set after deep fallback")
	}
	// The fast pass's issue survives into the merged issue list.
	if len(val.Issues) != 1 || val.Issues[0] != "garbled roll call" {
		t.Errorf("unexpected issues: %+v", val.Issues)
	}
}

// TestValidateMeeting_StatusConflict checks that a meeting outside the
// "transcribed" status cannot be claimed.
func TestValidateMeeting_StatusConflict(t *testing.T) {
	v, store, _ := newTestValidator(t, &llmmock.Provider{}, &llmmock.Provider{})
	err := store.InsertMeeting(&ledger.Meeting{ClipID: testClipID, Title: "t", Status: ledger.StatusDiscovered})
	if err != nil {
		t.Fatalf("InsertMeeting: %v", err)
	}

	err = v.ValidateMeeting(context.Background(), testClipID)
	if !errors.Is(err, ledger.ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
}

// TestValidateMeeting_MissingArtifact checks that a transcribed meeting with
// no transcript files ends up failed with a logged event.
func TestValidateMeeting_MissingArtifact(t *testing.T) {
	v, store, _ := newTestValidator(t, &llmmock.Provider{}, &llmmock.Provider{})
	insertTranscribedMeeting(t, store, testClipID)

	if err := v.ValidateMeeting(context.Background(), testClipID); err == nil {
		t.Fatal("expected an error for missing transcript artifacts")
	}

	m, err := store.Meeting(testClipID)
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if m.Status != ledger.StatusFailed {
		t.Errorf("status = %q, want %q", m.Status, ledger.StatusFailed)
	}
	events, err := store.Events(testClipID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var failed bool
	for _, e := range events {
		if e.Stage == "validate" && e.Status == "failed" {
			failed = true
		}
	}
	if !failed {
		t.Error("no failed validate event logged")
	}
}

// TestValidateMeeting_CommitConflictMarksFailed checks that a meeting whose
// claim is stolen mid-validation ends up failed with a logged event instead
// of stuck in "validating".
func TestValidateMeeting_CommitConflictMarksFailed(t *testing.T) {
	var v *Validator
	var store *ledger.Store
	fast := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			// Another actor resets the meeting while the LLM pass runs, so
			// the final status advance cannot find "validating".
			if err := store.UpdateStatus(testClipID, ledger.StatusTranscribed); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			return cleanScore(), nil
		},
	}
	var files *artifact.Store
	v, store, files = newTestValidator(t, fast, &llmmock.Provider{})

	segments := []asr.Segment{{Start: 0, End: 10, Text: "good evening everyone"}}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, segments, segments)

	err := v.ValidateMeeting(context.Background(), testClipID)
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
		if e.Stage == "validate" && e.Status == "failed" {
			failed = true
		}
	}
	if !failed {
		t.Error("no failed validate event logged")
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

// TestRun_MixedBatch checks that one broken meeting does not stop the batch.
func TestRun_MixedBatch(t *testing.T) {
	fast := &llmmock.Provider{CompleteResponse: cleanScore()}
	v, store, files := newTestValidator(t, fast, &llmmock.Provider{})

	segments := []asr.Segment{{Start: 0, End: 10, Text: "good evening everyone"}}
	insertTranscribedMeeting(t, store, testClipID)
	writeTranscripts(t, files, testClipID, segments, segments)

	// Second meeting has no artifacts and must fail.
	insertTranscribedMeeting(t, store, testClipID+1)

	stats, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Validated != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 validated and 1 failed", stats)
	}

	m, _ := store.Meeting(testClipID)
	if m.Status != ledger.StatusValidated {
		t.Errorf("first meeting status = %q, want validated", m.Status)
	}
	m2, _ := store.Meeting(testClipID + 1)
	if m2.Status != ledger.StatusFailed {
		t.Errorf("second meeting status = %q, want failed", m2.Status)
	}
}
