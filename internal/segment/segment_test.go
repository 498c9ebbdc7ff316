package segment

import (
	"strings"
	"testing"

	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

func intPtr(v int) *int { return &v }

// TestBuild_NoAgenda checks the synthetic whole-meeting segment.
func TestBuild_NoAgenda(t *testing.T) {
	words := []asr.Word{
		{Word: "good", Start: 0, End: 0.4},
		{Word: "evening", Start: 0.4, End: 1.0},
	}
	segments := Build(42, "good evening", words, nil)
	if len(segments) != 1 {
		t.Fatalf("expected 1 synthetic segment, got %d", len(segments))
	}
	s := segments[0]
	if s.AgendaItemID != nil {
		t.Error("synthetic segment should not link to an agenda item")
	}
	if s.Title != "Full Meeting" || s.Text != "good evening" {
		t.Errorf("unexpected segment: %+v", s)
	}
	if s.StartSeconds != 0 || s.EndSeconds != 1.0 {
		t.Errorf("unexpected bounds: [%v, %v]", s.StartSeconds, s.EndSeconds)
	}
}

// TestBuild_ByTimestamps checks word assignment to agenda windows: each word
// belongs to the item whose window covers its start time.
func TestBuild_ByTimestamps(t *testing.T) {
	words := []asr.Word{
		{Word: "call", Start: 0, End: 1},
		{Word: "to", Start: 1, End: 2},
		{Word: "order", Start: 2, End: 3},
		{Word: "public", Start: 60, End: 61},
		{Word: "comment", Start: 61, End: 62},
		{Word: "adjourned", Start: 120, End: 121},
	}
	items := []ledger.AgendaItem{
		{ID: 1, Title: "Call to Order", StartSeconds: 0},
		{ID: 2, Title: "Public Comment", StartSeconds: 60},
		{ID: 3, Title: "Adjournment", StartSeconds: 120},
	}

	segments := Build(42, "", words, items)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if segments[0].Text != "call to order" {
		t.Errorf("segment 0 text = %q", segments[0].Text)
	}
	if segments[1].Text != "public comment" {
		t.Errorf("segment 1 text = %q", segments[1].Text)
	}
	if segments[2].Text != "adjourned" {
		t.Errorf("segment 2 text = %q", segments[2].Text)
	}
	// Interior ends come from the next item's start.
	if segments[0].EndSeconds != 60 || segments[1].EndSeconds != 120 {
		t.Errorf("unexpected interior ends: %v, %v", segments[0].EndSeconds, segments[1].EndSeconds)
	}
	// The last item's end falls back to the final word.
	if segments[2].EndSeconds != 121 {
		t.Errorf("last end = %v, want 121", segments[2].EndSeconds)
	}
	if segments[1].AgendaItemID == nil || *segments[1].AgendaItemID != 2 {
		t.Errorf("segment 1 agenda link = %v", segments[1].AgendaItemID)
	}
}

// TestBuild_LastItemEndPreference checks the fallback order for the final
// item's end: recorded end beats last word, fixed bound applies when neither
// exists.
func TestBuild_LastItemEndPreference(t *testing.T) {
	words := []asr.Word{{Word: "hello", Start: 5, End: 6}}

	withEnd := []ledger.AgendaItem{{ID: 1, Title: "Only", StartSeconds: 0, EndSeconds: intPtr(90)}}
	segments := Build(42, "", words, withEnd)
	if segments[0].EndSeconds != 90 {
		t.Errorf("recorded end not used: %v", segments[0].EndSeconds)
	}

	noEnd := []ledger.AgendaItem{{ID: 1, Title: "Only", StartSeconds: 10}}
	segments = Build(42, "", []asr.Word{{Word: "x", Start: 1, End: 2}}, noEnd)
	if segments[0].EndSeconds != 10+fallbackItemSeconds {
		t.Errorf("fixed bound not applied: %v", segments[0].EndSeconds)
	}
}

// TestBuild_ProportionalSplit checks the word-count split used when the
// engine returned no timestamps.
func TestBuild_ProportionalSplit(t *testing.T) {
	// 100 words, two items covering 0-300 and 300-600.
	tokens := make([]string, 100)
	for i := range tokens {
		tokens[i] = "w"
	}
	fullText := strings.Join(tokens, " ")

	items := []ledger.AgendaItem{
		{ID: 1, Title: "First Half", StartSeconds: 0},
		{ID: 2, Title: "Second Half", StartSeconds: 300, EndSeconds: intPtr(600)},
	}

	segments := Build(42, fullText, nil, items)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	first := len(strings.Fields(segments[0].Text))
	second := len(strings.Fields(segments[1].Text))
	if first != 50 {
		t.Errorf("first segment words = %d, want 50", first)
	}
	// The remainder lands in the last segment; no words are lost.
	if first+second != 100 {
		t.Errorf("words lost in split: %d + %d", first, second)
	}
}

// TestBuild_ProportionalRemainder checks that rounding leftovers all land in
// the final segment.
func TestBuild_ProportionalRemainder(t *testing.T) {
	tokens := make([]string, 7)
	for i := range tokens {
		tokens[i] = "w"
	}
	items := []ledger.AgendaItem{
		{ID: 1, Title: "A", StartSeconds: 0},
		{ID: 2, Title: "B", StartSeconds: 200},
		{ID: 3, Title: "C", StartSeconds: 400, EndSeconds: intPtr(600)},
	}

	segments := Build(42, strings.Join(tokens, " "), nil, items)
	total := 0
	for _, s := range segments {
		total += len(strings.Fields(s.Text))
	}
	if total != 7 {
		t.Errorf("split dropped words: got %d of 7", total)
	}
}
