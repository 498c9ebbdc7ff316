// Package analyze implements the per-segment analysis stage.
//
// A validated meeting is aligned to its agenda, each agenda segment is run
// through the full set of analysis prompts, and every result is stored in the
// ledger (keyed by segment and type, so a re-run rewrites rather than
// duplicates) plus a combined export artifact. Speaker names from
// the diarization artifact, when present, are injected into the prompts so
// positions can be attributed to people.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/jsonextract"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/internal/segment"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
)

const stageName = "analyze"

const (
	// segmentTextLimit bounds how much of a segment goes into one prompt.
	segmentTextLimit = 6000

	// minSegmentChars skips segments too short to analyse (a gavel bang and
	// a title card transcribe to a few words).
	minSegmentChars = 50

	// Meeting-level summaries read at most the first chunks of the full
	// transcript; a four-hour meeting does not fit any local model's window.
	summaryTextThreshold = 8000
	summaryChunkSize     = 4000
	summaryChunkCount    = 3
	summaryBulletLimit   = 10

	llmTemperature    = 0.3
	analysisMaxTokens = 2000
)

// Analyzer runs the analysis stage over validated meetings.
type Analyzer struct {
	cfg     *config.Config
	store   *ledger.Store
	files   *artifact.Store
	llm     llm.Provider
	types   []string
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *Analyzer) { a.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithTypes restricts which analyses run. Defaults to DefaultTypes.
func WithTypes(types []string) Option {
	return func(a *Analyzer) { a.types = types }
}

// New creates an Analyzer backed by the given analysis model provider.
func New(cfg *config.Config, store *ledger.Store, files *artifact.Store, llmProvider llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{cfg: cfg, store: store, files: files, llm: llmProvider}
	for _, opt := range opts {
		opt(a)
	}
	if a.types == nil {
		a.types = DefaultTypes
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Stats summarises one analysis run.
type Stats struct {
	Analyzed int
	Failed   int
}

// Run analyses the next batch of validated meetings. A per-meeting failure
// marks that meeting failed and continues with the rest.
func (a *Analyzer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := a.store.NextPending(ledger.StatusValidated, a.cfg.Batch.Analyze)
	if err != nil {
		return stats, fmt.Errorf("analyze: list pending: %w", err)
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := a.AnalyzeMeeting(ctx, m.ClipID); err != nil {
			a.log.Error("analysis failed", "clip_id", m.ClipID, "error", err)
			stats.Failed++
			continue
		}
		stats.Analyzed++
	}
	return stats, nil
}

// Export is the combined analysis artifact for one meeting.
type Export struct {
	ClipID      int    `json:"clip_id"`
	GeneratedAt string `json:"generated_at"`
	Model       string `json:"model"`

	MeetingSummary json.RawMessage `json:"meeting_summary,omitempty"`
	Segments       []SegmentExport `json:"segments"`
}

// SegmentExport groups one segment's analysis results in the export.
type SegmentExport struct {
	Title        string                     `json:"title"`
	StartSeconds float64                    `json:"start_seconds"`
	EndSeconds   float64                    `json:"end_seconds"`
	Skipped      bool                       `json:"skipped,omitempty"`
	Results      map[string]json.RawMessage `json:"results,omitempty"`
}

// AnalyzeMeeting runs every configured analysis over one meeting's segments
// plus a meeting-level summary. The meeting must be in status "validated"; on
// success it ends "analyzed", on error "failed" with a processing log entry.
func (a *Analyzer) AnalyzeMeeting(ctx context.Context, clipID int) error {
	if err := a.store.AdvanceStatus(clipID, ledger.StatusValidated, ledger.StatusAnalyzing); err != nil {
		return err
	}
	start := time.Now()

	export, err := a.analyze(ctx, clipID)
	if err != nil {
		return a.failMeeting(ctx, clipID, start, err)
	}

	if err := a.files.WriteAnalysis(clipID, export); err != nil {
		return a.failMeeting(ctx, clipID, start, err)
	}
	analyses := 0
	skipped := 0
	for _, s := range export.Segments {
		analyses += len(s.Results)
		if s.Skipped {
			skipped++
		}
	}
	msg := fmt.Sprintf("segments=%d analyses=%d skipped=%d", len(export.Segments), analyses, skipped)
	if err := a.store.LogEvent(clipID, stageName, "completed", msg); err != nil {
		a.log.Warn("could not log completion", "clip_id", clipID, "error", err)
	}
	if err := a.store.AdvanceStatus(clipID, ledger.StatusAnalyzing, ledger.StatusAnalyzed); err != nil {
		return a.failMeeting(ctx, clipID, start, err)
	}
	a.metrics.RecordStage(ctx, stageName, "completed", time.Since(start).Seconds())
	a.log.Info("meeting analyzed",
		"clip_id", clipID,
		"segments", len(export.Segments),
		"analyses", analyses)
	return nil
}

// failMeeting records an analysis failure: metric, processing log entry, and
// status "failed". The original error is returned for the caller's stats.
func (a *Analyzer) failMeeting(ctx context.Context, clipID int, start time.Time, err error) error {
	a.metrics.RecordStage(ctx, stageName, "failed", time.Since(start).Seconds())
	if logErr := a.store.LogEvent(clipID, stageName, "failed", err.Error()); logErr != nil {
		a.log.Warn("could not log failure", "clip_id", clipID, "error", logErr)
	}
	if stErr := a.store.UpdateStatus(clipID, ledger.StatusFailed); stErr != nil {
		a.log.Warn("could not mark meeting failed", "clip_id", clipID, "error", stErr)
	}
	return err
}

func (a *Analyzer) analyze(ctx context.Context, clipID int) (*Export, error) {
	transcript, err := a.store.Transcript(clipID)
	if err != nil {
		return nil, err
	}
	fullText := transcript.FullText
	if validation, err := a.store.Validation(clipID); err == nil && validation.MergedText != "" {
		fullText = validation.MergedText
	}

	items, err := a.store.AgendaItems(clipID)
	if err != nil {
		return nil, err
	}
	segments := segment.Build(clipID, fullText, transcript.Words, items)
	if err := a.store.ReplaceSegments(clipID, segments); err != nil {
		return nil, err
	}

	var diarization *artifact.Diarization
	if a.files.HasDiarization(clipID) {
		diarization, err = a.files.ReadDiarization(clipID)
		if err != nil {
			a.log.Warn("diarization artifact unreadable, analysing without speakers",
				"clip_id", clipID, "error", err)
		}
	}

	keywords := strings.Join(a.cfg.Domain.PriorityKeywords, ", ")
	export := &Export{
		ClipID:      clipID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Model:       a.llm.Model(),
	}

	for i, seg := range segments {
		out := SegmentExport{
			Title:        seg.Title,
			StartSeconds: seg.StartSeconds,
			EndSeconds:   seg.EndSeconds,
		}
		if len(strings.TrimSpace(seg.Text)) < minSegmentChars {
			out.Skipped = true
			export.Segments = append(export.Segments, out)
			continue
		}

		text := promptText(seg, diarization)
		out.Results = make(map[string]json.RawMessage, len(a.types))
		for _, analysisType := range a.types {
			if analysisType == TypeOppositionTracking && len(a.cfg.Domain.WatchedMembers) == 0 {
				continue
			}
			result, err := a.analyzeOne(ctx, seg, i+1, analysisType, text, keywords)
			if err != nil {
				return nil, err
			}
			out.Results[analysisType] = result
		}
		export.Segments = append(export.Segments, out)
	}

	summary, err := a.meetingSummary(ctx, clipID, fullText, diarization)
	if err != nil {
		return nil, err
	}
	export.MeetingSummary = summary
	return export, nil
}

// analyzeOne runs one analysis prompt over one segment and stores the result.
// A response that carries no parseable JSON is stored raw rather than lost;
// only provider and ledger errors are fatal.
func (a *Analyzer) analyzeOne(ctx context.Context, seg ledger.Segment, ordinal int, analysisType, text, keywords string) (json.RawMessage, error) {
	prompt := buildPrompt(analysisType, text, seg.Title, keywords, a.cfg.Domain.WatchedMembers)
	content, usage, err := a.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("analyze: %s for %d: %w", analysisType, seg.ClipID, err)
	}

	result := extractResult(content)
	record := &ledger.Analysis{
		ClipID:           seg.ClipID,
		AgendaItemID:     seg.AgendaItemID,
		SegmentOrdinal:   ordinal,
		Type:             analysisType,
		Result:           result,
		ModelUsed:        a.llm.Model(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if err := a.store.InsertAnalysis(record); err != nil {
		return nil, err
	}
	return result, nil
}

// meetingSummary produces the meeting-level roll-up over the opening of the
// full transcript and stores it with no agenda item link.
func (a *Analyzer) meetingSummary(ctx context.Context, clipID int, fullText string, diarization *artifact.Diarization) (json.RawMessage, error) {
	text := fullText
	if len(text) > summaryTextThreshold {
		chunks := chunkText(text, summaryChunkSize)
		if len(chunks) > summaryChunkCount {
			chunks = chunks[:summaryChunkCount]
		}
		text = strings.Join(chunks, " ")
	}
	if header := speakerHeader(diarization); header != "" {
		text = header + "\n\n" + text
	}

	prompt := buildPrompt(TypeSummary, text, "Full Meeting", "", nil)
	content, usage, err := a.complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("analyze: meeting summary for %d: %w", clipID, err)
	}

	result := extractResult(content)
	var parsed struct {
		Summary []string `json:"summary"`
	}
	if err := json.Unmarshal(result, &parsed); err == nil && parsed.Summary != nil {
		if len(parsed.Summary) > summaryBulletLimit {
			parsed.Summary = parsed.Summary[:summaryBulletLimit]
		}
		if capped, err := json.Marshal(map[string][]string{"summary": parsed.Summary}); err == nil {
			result = capped
		}
	}

	record := &ledger.Analysis{
		ClipID:           clipID,
		Type:             TypeSummary,
		Result:           result,
		ModelUsed:        a.llm.Model(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if err := a.store.InsertAnalysis(record); err != nil {
		return nil, err
	}
	return result, nil
}

// complete sends one prompt to the analysis model and records the call's
// metrics. Each call gets its own deadline from the configured analysis
// timeout.
func (a *Analyzer) complete(ctx context.Context, prompt string) (string, llm.Usage, error) {
	if a.cfg.Timeouts.AnalysisSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.Timeouts.AnalysisSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: llmTemperature,
		MaxTokens:   analysisMaxTokens,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		a.metrics.RecordLLMRequest(ctx, a.llm.Model(), "analysis", "error", elapsed, 0, 0)
		return "", llm.Usage{}, err
	}
	if resp == nil {
		a.metrics.RecordLLMRequest(ctx, a.llm.Model(), "analysis", "error", elapsed, 0, 0)
		return "", llm.Usage{}, fmt.Errorf("empty response from %s", a.llm.Model())
	}
	a.metrics.RecordLLMRequest(ctx, a.llm.Model(), "analysis", "ok", elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Content, resp.Usage, nil
}

// extractResult pulls the JSON object out of a model response. Responses
// without one are wrapped as {"raw_response": ...} so the run is preserved
// for later inspection.
func extractResult(content string) json.RawMessage {
	if obj, ok := jsonextract.FirstObject(content); ok && json.Valid([]byte(obj)) {
		return json.RawMessage(obj)
	}
	wrapped, err := json.Marshal(map[string]string{"raw_response": content})
	if err != nil {
		return json.RawMessage(`{"raw_response": ""}`)
	}
	return wrapped
}

// promptText renders one segment's transcript for a prompt: speaker context
// first (when diarization exists), then the segment text bounded at the
// prompt limit.
func promptText(seg ledger.Segment, d *artifact.Diarization) string {
	text := seg.Text
	if len(text) > segmentTextLimit {
		text = text[:segmentTextLimit] + "... [truncated]"
	}
	if d == nil {
		return text
	}
	var lines []string
	if header := speakerHeader(d); header != "" {
		lines = append(lines, header)
	}
	if names := speakersIn(d, seg.StartSeconds, seg.EndSeconds); len(names) > 0 {
		lines = append(lines, fmt.Sprintf("[Speakers in this portion: %s]", strings.Join(names, ", ")))
	}
	if len(lines) == 0 {
		return text
	}
	return strings.Join(lines, "\n") + "\n\n" + text
}

// speakerHeader lists every identified speaker in the meeting.
func speakerHeader(d *artifact.Diarization) string {
	if d == nil {
		return ""
	}
	seen := make(map[string]bool)
	var names []string
	for _, name := range d.SpeakerMapping {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return fmt.Sprintf("[Identified speakers in this meeting: %s]", strings.Join(names, ", "))
}

// speakersIn lists the identified speakers whose diarized segments overlap
// the given window, in first-appearance order.
func speakersIn(d *artifact.Diarization, start, end float64) []string {
	seen := make(map[string]bool)
	var names []string
	for _, seg := range d.Segments {
		if seg.SpeakerName == "" || seg.End <= start || seg.Start >= end {
			continue
		}
		if !seen[seg.SpeakerName] {
			seen[seg.SpeakerName] = true
			names = append(names, seg.SpeakerName)
		}
	}
	return names
}

// chunkText splits s into chunks of at most size bytes, packing whole
// sentences into each chunk so the model never sees a clause cut mid-word.
// A single sentence longer than size falls back to word boundaries.
func chunkText(s string, size int) []string {
	if len(s) <= size {
		return []string{s}
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			chunks = append(chunks, b.String())
			b.Reset()
		}
	}
	add := func(part string) {
		if b.Len() > 0 && b.Len()+1+len(part) > size {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(part)
	}
	for _, sentence := range splitSentences(s) {
		if len(sentence) > size {
			for _, word := range strings.Fields(sentence) {
				add(word)
			}
			continue
		}
		add(sentence)
	}
	flush()
	return chunks
}

// splitSentences cuts s after sentence-ending punctuation followed by
// whitespace. Transcript text has no abbreviation-heavy prose, so the rough
// rule is good enough.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		if (s[i] != '.' && s[i] != '!' && s[i] != '?') || !isSpace(s[i+1]) {
			continue
		}
		out = append(out, s[start:i+1])
		i++
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		start = i
		i--
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
