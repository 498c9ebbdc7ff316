package validate

import (
	"testing"

	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// ── WER ───────────────────────────────────────────────────────────────────────

// TestWER_Identical checks that identical texts score zero, including after
// case and whitespace normalisation.
func TestWER_Identical(t *testing.T) {
	if got := WER("Good evening everyone", "Good evening everyone"); got != 0 {
		t.Errorf("WER = %v, want 0", got)
	}
	if got := WER("Good  Evening\teveryone", "good evening everyone"); got != 0 {
		t.Errorf("normalised WER = %v, want 0", got)
	}
}

// TestWER_Empty checks the empty-text conventions.
func TestWER_Empty(t *testing.T) {
	if got := WER("", ""); got != 0 {
		t.Errorf("WER of two empty texts = %v, want 0", got)
	}
	if got := WER("some words here", ""); got != 1.0 {
		t.Errorf("WER against empty hypothesis = %v, want 1.0", got)
	}
	if got := WER("", "some words here"); got != 1.0 {
		t.Errorf("WER with empty reference = %v, want 1.0", got)
	}
}

// TestWER_Substitutions checks basic substitution counting.
func TestWER_Substitutions(t *testing.T) {
	// One substitution in four words.
	if got := WER("the motion passes unanimously", "the motion fails unanimously"); got != 0.25 {
		t.Errorf("WER = %v, want 0.25", got)
	}
	// Completely different, same length.
	if got := WER("a b c d", "w x y z"); got != 1.0 {
		t.Errorf("WER = %v, want 1.0", got)
	}
}

// TestWER_InsertionsDeletions checks non-substitution edits.
func TestWER_InsertionsDeletions(t *testing.T) {
	// One deletion from a five-word reference.
	if got := WER("please call the roll now", "please call the roll"); got != 0.2 {
		t.Errorf("deletion WER = %v, want 0.2", got)
	}
	// One insertion against a four-word reference.
	if got := WER("please call the roll", "please call the roll now"); got != 0.25 {
		t.Errorf("insertion WER = %v, want 0.25", got)
	}
}

// TestWER_CappedAtOne checks that heavy insertion noise cannot exceed 1.
func TestWER_CappedAtOne(t *testing.T) {
	if got := WER("yes", "no no no no no no"); got != 1.0 {
		t.Errorf("WER = %v, want capped 1.0", got)
	}
}

// ── DivergentSegments ─────────────────────────────────────────────────────────

// TestDivergentSegments_WindowOverlap checks that secondary text is gathered
// by time-window intersection and compared per primary segment.
func TestDivergentSegments_WindowOverlap(t *testing.T) {
	primary := []asr.Segment{
		{Start: 0, End: 10, Text: "the council will now hear public comment"},
		{Start: 10, End: 20, Text: "item three is the valley's edge appeal"},
	}
	secondary := []asr.Segment{
		{Start: 0, End: 5, Text: "the council will now"},
		{Start: 5, End: 10, Text: "hear public comment"},
		{Start: 10, End: 20, Text: "item three is the valleys edge of the appeal"},
	}

	divergent := DivergentSegments(primary, secondary, 0.15)
	if len(divergent) != 1 {
		t.Fatalf("expected 1 divergent segment, got %d: %+v", len(divergent), divergent)
	}
	d := divergent[0]
	if d.Index != 1 {
		t.Errorf("unexpected index: %d", d.Index)
	}
	if d.SecondaryText != "item three is the valleys edge of the appeal" {
		t.Errorf("unexpected secondary text: %q", d.SecondaryText)
	}
	if d.WER <= 0.15 {
		t.Errorf("expected WER above threshold, got %v", d.WER)
	}
}

// TestDivergentSegments_NoSecondaryOverlap checks that a primary segment
// with no secondary coverage scores full divergence.
func TestDivergentSegments_NoSecondaryOverlap(t *testing.T) {
	primary := []asr.Segment{{Start: 100, End: 110, Text: "left over words"}}
	secondary := []asr.Segment{{Start: 0, End: 50, Text: "something else entirely"}}

	divergent := DivergentSegments(primary, secondary, 0.15)
	if len(divergent) != 1 {
		t.Fatalf("expected 1 divergent segment, got %d", len(divergent))
	}
	if divergent[0].WER != 1.0 {
		t.Errorf("expected WER 1.0 for uncovered window, got %v", divergent[0].WER)
	}
}

// TestDivergentSegments_AllAgree checks the empty result for agreeing engines.
func TestDivergentSegments_AllAgree(t *testing.T) {
	segs := []asr.Segment{
		{Start: 0, End: 10, Text: "roll call please"},
		{Start: 10, End: 20, Text: "all members present"},
	}
	if got := DivergentSegments(segs, segs, 0.15); len(got) != 0 {
		t.Errorf("expected no divergent segments, got %+v", got)
	}
}
