package analyze

import (
	"fmt"
	"strings"
)

// Analysis type names. Each has a fixed prompt template and a fixed result
// schema that downstream consumers depend on.
const (
	TypeSummary            = "summary"
	TypeAdvocacyIntel      = "advocacy_intel"
	TypeVoteRecord         = "vote_record"
	TypePriorityAlerts     = "priority_alerts"
	TypeOppositionTracking = "opposition_tracking"
	TypePublicComment      = "public_comment"
)

// DefaultTypes are the analyses run for every segment, in execution order.
var DefaultTypes = []string{
	TypeSummary,
	TypeAdvocacyIntel,
	TypeVoteRecord,
	TypePriorityAlerts,
	TypeOppositionTracking,
	TypePublicComment,
}

// analysisPrompts maps each analysis type to its template. Templates carry
// {text}, {agenda_title}, and {keywords} placeholders filled at call time.
// The JSON shapes in the templates are load-bearing: dashboards and reports
// parse the stored results by these exact keys.
var analysisPrompts = map[string]string{
	TypeSummary: `Summarize this portion of a city council meeting.

Agenda item: {agenda_title}

Transcript:
{text}

Return ONLY valid JSON in exactly this format, with no other text:
{"summary": ["3 to 5 concise bullet points covering decisions, discussion, and outcomes"]}`,

	TypeAdvocacyIntel: `Extract advocacy-relevant intelligence from this city council meeting transcript.

Agenda item: {agenda_title}

Transcript:
{text}

Capture housing and land-use substance: what was proposed, who took what position, and what happens next.

Return ONLY valid JSON in exactly this format, with no other text:
{"housing_mentions": ["..."], "zoning_topics": ["..."], "infrastructure": ["..."], "sustainability": ["..."], "council_positions": {"member name": "their stated position"}, "key_quotes": ["..."], "action_items": ["..."]}`,

	TypeVoteRecord: `Extract every formal vote from this city council meeting transcript.

Agenda item: {agenda_title}

Transcript:
{text}

Record the motion text, who moved and seconded, the result, and individual votes when the roll call is in the transcript.

Return ONLY valid JSON in exactly this format, with no other text:
{"votes": [{"motion": "...", "mover": "...", "seconder": "...", "result": "passed", "vote_count": {"yes": 0, "no": 0, "abstain": 0}, "individual_votes": {"member name": "yes"}}]}
The "result" field must be one of "passed", "failed", or "other". Return {"votes": []} if no vote occurred.`,

	TypePriorityAlerts: `Scan this city council meeting transcript for discussion of priority topics.

Priority topics: {keywords}

Agenda item: {agenda_title}

Transcript:
{text}

For each priority topic actually discussed, capture the surrounding context and who raised it.

Return ONLY valid JSON in exactly this format, with no other text:
{"alerts": [{"keyword": "...", "context": "...", "speaker": "...", "sentiment": "supportive"}]}
The "sentiment" field must be one of "supportive", "opposed", or "neutral". Return {"alerts": []} if none were discussed.`,

	TypeOppositionTracking: `Find statements by these council members in this portion of a city council meeting:
{members}

For each statement capture the topic discussed, the member's stated position, and a relevant quote.

Agenda item: {agenda_title}

Transcript:
{text}

Return ONLY valid JSON in exactly this format, with no other text:
{member_schema}
Return an empty list for a member with no statements in this portion.`,

	TypePublicComment: `Summarize the public comment in this portion of a city council meeting: estimate how many people spoke, the main topics raised, the overall sentiment, and any organizations represented.

Agenda item: {agenda_title}

Transcript:
{text}

Return ONLY valid JSON in exactly this format, with no other text:
{"speaker_count": 0, "topics": ["main topics"], "sentiment_summary": "overall tone", "organizations": ["groups represented"], "key_points": ["main points raised"]}
Return {"speaker_count": 0, "topics": [], "sentiment_summary": "", "organizations": [], "key_points": []} if there was no public comment.`,
}

// buildPrompt fills one analysis template. watched feeds the
// opposition-tracking template; the other templates ignore it.
func buildPrompt(analysisType, text, agendaTitle, keywords string, watched []string) string {
	if agendaTitle == "" {
		agendaTitle = "(general session)"
	}
	members, memberSchema := watchedMemberSchema(watched)
	return strings.NewReplacer(
		"{text}", text,
		"{agenda_title}", agendaTitle,
		"{keywords}", keywords,
		"{members}", members,
		"{member_schema}", memberSchema,
	).Replace(analysisPrompts[analysisType])
}

// watchedMemberSchema renders the watched-member bullet list and the JSON
// shape keyed by each member's surname.
func watchedMemberSchema(watched []string) (list, schema string) {
	bullets := make([]string, 0, len(watched))
	entries := make([]string, 0, len(watched))
	for _, name := range watched {
		bullets = append(bullets, "- "+name)
		entries = append(entries, fmt.Sprintf(`"%s": [{"topic": "topic", "position": "their stance", "quote": "relevant quote"}]`, memberKey(name)))
	}
	return strings.Join(bullets, "\n"), "{" + strings.Join(entries, ", ") + "}"
}

// memberKey slugs a member's name into a stable JSON key: the surname tokens
// lowercased and joined by underscores ("Tom van Overbeek" -> "van_overbeek").
func memberKey(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) > 1 {
		fields = fields[1:]
	}
	return strings.Join(fields, "_")
}
