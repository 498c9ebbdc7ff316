package diarize

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/opencivics/civiclerk/internal/config"
)

// jaroWinklerMin is the similarity floor for accepting a fuzzy roster match.
const jaroWinklerMin = 0.85

// speakerPatterns are the transcript phrasings that name a speaker. Kept as
// data so new phrasings are a one-line addition.
var speakerPatterns = []*regexp.Regexp{
	// Self introduction: "this is Councilmember Huber", "I'm Mayor Coolidge".
	regexp.MustCompile(`(?i)(?:this is|i'm|i am)\s+(?:council\s?(?:member|man|woman)?|mayor|vice mayor)?\s*(\w+(?:\s+\w+)?)`),
	// Being addressed from the dais: "thank you, Councilmember Brown".
	regexp.MustCompile(`(?i)(?:thank you|thanks),?\s+(?:council\s?(?:member|man|woman)?|mayor|vice mayor)\s*(\w+(?:\s+\w+)?)`),
	// Motion language: "motion by Reynolds, seconded by Stone".
	regexp.MustCompile(`(?i)(?:motion by|moved by|seconded by|second by)\s+(?:council\s?(?:member|man|woman)?|mayor|vice mayor)?\s*(\w+(?:\s+\w+)?)`),
	// Staff introductions: "Mark Orme, our City Manager".
	regexp.MustCompile(`(?i)(\w+(?:\s+\w+)?),?\s+(?:your|our)\s+(?:city manager|city attorney|city clerk|director|chief)`),
}

// stopWords are capture-group hits that are grammar, not names ("I'm just
// saying", "thank you very much").
var stopWords = map[string]bool{
	"i": true, "we": true, "you": true, "just": true, "not": true,
	"sure": true, "sorry": true, "here": true, "going": true, "trying": true,
	"looking": true, "hoping": true, "thinking": true, "wondering": true,
	"asking": true, "saying": true, "making": true, "doing": true,
	"very": true, "really": true, "actually": true, "glad": true,
	"happy": true, "concerned": true, "worried": true, "curious": true,
	"welcome": true, "thank": true, "please": true, "next": true,
	"first": true, "last": true, "council": true, "member": true,
	"mayor": true, "vice": true, "city": true, "public": true,
	"speaker": true,
}

// patternCandidates extracts roster-validated names from one segment's text.
func patternCandidates(text string, roster config.RosterConfig) []string {
	var names []string
	seen := make(map[string]bool)
	for _, re := range speakerPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name, ok := matchRoster(m[1], roster)
			if ok && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// matchRoster resolves a raw captured name to a canonical roster name.
// Candidates whose leading word is a stop word are rejected outright; the
// rest must match a roster member exactly, by Jaro-Winkler similarity, or by
// Double Metaphone phonetic code (ASR regularly respells surnames).
func matchRoster(candidate string, roster config.RosterConfig) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	tokens := strings.Fields(strings.ToLower(candidate))
	if len(tokens) == 0 || stopWords[tokens[0]] {
		return "", false
	}

	for _, member := range roster.Members {
		if nameMatches(tokens, member.Name) {
			return member.Name, true
		}
	}
	return "", false
}

func nameMatches(candidateTokens []string, rosterName string) bool {
	rosterLower := strings.ToLower(rosterName)
	candidate := strings.Join(candidateTokens, " ")

	if candidate == rosterLower {
		return true
	}
	if matchr.JaroWinkler(candidate, rosterLower, false) >= jaroWinklerMin {
		return true
	}

	// Token-level comparison against the surname handles "van Overbeek"
	// style names and first+last captures.
	rosterTokens := strings.Fields(rosterLower)
	surname := rosterTokens[len(rosterTokens)-1]
	surnamePrimary, surnameSecondary := matchr.DoubleMetaphone(surname)
	for _, t := range candidateTokens {
		if t == surname {
			return true
		}
		if matchr.JaroWinkler(t, surname, false) >= jaroWinklerMin {
			return true
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" && (p == surnamePrimary || (surnameSecondary != "" && p == surnameSecondary)) {
			return true
		}
		if s != "" && s == surnamePrimary {
			return true
		}
	}
	return false
}
