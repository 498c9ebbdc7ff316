package validate

import (
	"strings"

	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

// tokens normalises text for word-level comparison: lowercase, whitespace
// split. Punctuation is kept attached — both engines emit it, so it cancels
// out, and stripping it would hide real disagreements like "Valley's" vs
// "valleys".
func tokens(text string) []string {
	return strings.Fields(strings.ToLower(strings.TrimSpace(text)))
}

// WER returns the word error rate of hypothesis against reference: the
// token-level edit distance divided by the reference length. Identical texts
// score 0; if either text is empty and the other is not, the rate is 1.
func WER(reference, hypothesis string) float64 {
	ref := tokens(reference)
	hyp := tokens(hypothesis)

	if len(ref) == 0 && len(hyp) == 0 {
		return 0
	}
	if len(ref) == 0 || len(hyp) == 0 {
		return 1.0
	}

	dist := editDistance(ref, hyp)
	wer := float64(dist) / float64(len(ref))
	if wer > 1 {
		wer = 1
	}
	return wer
}

// editDistance computes the Levenshtein distance between two token slices
// using a two-row DP, so hour-long transcripts do not allocate a full matrix.
func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// DivergentSegments compares each primary segment against the secondary
// engine's text for the same time window and returns those whose WER exceeds
// threshold. Secondary segments overlap a window when they intersect it at
// all; their texts are concatenated in order.
func DivergentSegments(primary, secondary []asr.Segment, threshold float64) []ledger.DivergentSegment {
	var divergent []ledger.DivergentSegment
	for i, p := range primary {
		var parts []string
		for _, s := range secondary {
			if s.Start <= p.End && s.End >= p.Start {
				parts = append(parts, s.Text)
			}
		}
		secondaryText := strings.Join(parts, " ")

		wer := WER(p.Text, secondaryText)
		if wer > threshold {
			divergent = append(divergent, ledger.DivergentSegment{
				Index:         i,
				Start:         p.Start,
				End:           p.End,
				PrimaryText:   p.Text,
				SecondaryText: secondaryText,
				WER:           wer,
			})
		}
	}
	return divergent
}
