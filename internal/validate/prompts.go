package validate

import (
	"fmt"
	"strings"

	"github.com/opencivics/civiclerk/internal/config"
)

// Prompt text length limits. Segments are truncated so a single bad segment
// cannot blow the fast model's context window.
const (
	fastSegmentTextLimit = 2000
	deepSegmentTextLimit = 1500
)

const fastValidationTemplate = `Check this city council meeting transcript segment for transcription errors. The audio is from a municipal government meeting.

Known speakers who may appear: %s
Local names and terms that are spelled correctly when they appear exactly like this: %s
Current agenda item: %s

Transcript segment:
%s

Rate the transcription coherence from 0 to 100. Look for garbled phrases, impossible words, misrecognised proper nouns, and sentences that make no sense in a government meeting.

Return ONLY valid JSON in exactly this format, with no other text:
{"score": 85, "issues": ["example issue"], "needs_deep_review": false}`

const deepValidationTemplate = `Two speech recognition models transcribed the same audio from a city council meeting and produced different text. Decide which transcription is more plausible and identify corrections.

Known speakers who may appear: %s
Local names and terms that are spelled correctly when they appear exactly like this: %s

large_v3 transcription:
%s

medium transcription:
%s

Compare word by word where they differ. Prefer the version whose proper nouns match the known names and terms, and whose sentences are coherent for a government meeting.

Return ONLY valid JSON in exactly this format, with no other text:
{"coherence_score": 85, "preferred_transcription": "large_v3", "issues": ["example issue"], "corrections": {"wrong phrase": "right phrase"}, "needs_human_review": false}`

// fastPrompt renders the first-pass coherence check for one segment.
func fastPrompt(roster config.RosterConfig, terms []string, agendaTitle, segmentText string) string {
	if agendaTitle == "" {
		agendaTitle = "(not known)"
	}
	return fmt.Sprintf(fastValidationTemplate,
		rosterLine(roster),
		strings.Join(terms, ", "),
		agendaTitle,
		truncate(segmentText, fastSegmentTextLimit),
	)
}

// deepPrompt renders the second-pass model comparison for one divergent or
// flagged segment.
func deepPrompt(roster config.RosterConfig, terms []string, primaryText, secondaryText string) string {
	return fmt.Sprintf(deepValidationTemplate,
		rosterLine(roster),
		strings.Join(terms, ", "),
		truncate(primaryText, deepSegmentTextLimit),
		truncate(secondaryText, deepSegmentTextLimit),
	)
}

// rosterLine renders the council roster as "Role Name" entries.
func rosterLine(roster config.RosterConfig) string {
	parts := make([]string, 0, len(roster.Members))
	for _, m := range roster.Members {
		if m.Role != "" {
			parts = append(parts, m.Role+" "+m.Name)
		} else {
			parts = append(parts, m.Name)
		}
	}
	return strings.Join(parts, ", ")
}

// truncate cuts s at limit characters.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
