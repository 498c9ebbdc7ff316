// Package validate implements the transcription validation stage.
//
// Validation compares the two ASR engines' transcripts (word error rate plus
// per-segment divergence), runs a fast LLM coherence pass over the opening
// segments, escalates flagged or divergent segments to a reasoning model, and
// stores the combined verdict in the ledger before advancing the meeting to
// "validated".
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/jsonextract"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
)

const stageName = "validate"

// Fast-pass and deep-pass segment limits. The opening of a meeting carries
// the roll call, agenda adoption, and most proper nouns, so coherence
// problems show up early; the deep pass is capped because the reasoning
// model is two orders of magnitude slower.
const (
	tierOneSegmentLimit = 50
	tierTwoSegmentLimit = 20
)

const llmTemperature = 0.3

// Validator runs the validation stage over transcribed meetings.
type Validator struct {
	cfg     *config.Config
	store   *ledger.Store
	files   *artifact.Store
	fast    llm.Provider
	deep    llm.Provider
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// New creates a Validator. fast handles the first-pass coherence checks and
// deep handles the escalated comparisons; they may be the same provider.
func New(cfg *config.Config, store *ledger.Store, files *artifact.Store, fast, deep llm.Provider, opts ...Option) *Validator {
	v := &Validator{
		cfg:   cfg,
		store: store,
		files: files,
		fast:  fast,
		deep:  deep,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	if v.metrics == nil {
		v.metrics = observe.DefaultMetrics()
	}
	return v
}

// Stats summarises one validation run.
type Stats struct {
	Validated int
	Failed    int
}

// Run validates the next batch of transcribed meetings. A per-meeting failure
// marks that meeting failed and continues with the rest.
func (v *Validator) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := v.store.NextPending(ledger.StatusTranscribed, v.cfg.Batch.Validate)
	if err != nil {
		return stats, fmt.Errorf("validate: list pending: %w", err)
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := v.ValidateMeeting(ctx, m.ClipID); err != nil {
			v.log.Error("validation failed", "clip_id", m.ClipID, "error", err)
			stats.Failed++
			continue
		}
		stats.Validated++
	}
	return stats, nil
}

// ValidateMeeting runs the full validation flow for one meeting. The meeting
// must be in status "transcribed"; on success it ends "validated", on error
// "failed" with a processing log entry.
func (v *Validator) ValidateMeeting(ctx context.Context, clipID int) error {
	if err := v.store.AdvanceStatus(clipID, ledger.StatusTranscribed, ledger.StatusValidating); err != nil {
		return err
	}
	start := time.Now()

	validation, err := v.validate(ctx, clipID)
	if err != nil {
		return v.failMeeting(ctx, clipID, start, err)
	}

	if err := v.store.UpsertValidation(validation); err != nil {
		return v.failMeeting(ctx, clipID, start, err)
	}
	msg := fmt.Sprintf("wer=%.3f divergent=%d tier1=%d tier2=%d human_review=%t",
		validation.WERScore, len(validation.DivergentSegments),
		len(validation.Tier1Scores), len(validation.Tier2Scores),
		validation.HumanReviewNeeded)
	if err := v.store.LogEvent(clipID, stageName, "completed", msg); err != nil {
		v.log.Warn("could not log completion", "clip_id", clipID, "error", err)
	}
	if err := v.store.AdvanceStatus(clipID, ledger.StatusValidating, ledger.StatusValidated); err != nil {
		return v.failMeeting(ctx, clipID, start, err)
	}
	v.metrics.RecordStage(ctx, stageName, "completed", time.Since(start).Seconds())
	v.log.Info("meeting validated",
		"clip_id", clipID,
		"wer", validation.WERScore,
		"divergent_segments", len(validation.DivergentSegments),
		"deep_reviews", len(validation.Tier2Scores),
		"human_review", validation.HumanReviewNeeded)
	return nil
}

// failMeeting records a validation failure: metric, processing log entry, and
// status "failed". The original error is returned for the caller's stats.
func (v *Validator) failMeeting(ctx context.Context, clipID int, start time.Time, err error) error {
	v.metrics.RecordStage(ctx, stageName, "failed", time.Since(start).Seconds())
	if logErr := v.store.LogEvent(clipID, stageName, "failed", err.Error()); logErr != nil {
		v.log.Warn("could not log failure", "clip_id", clipID, "error", logErr)
	}
	if stErr := v.store.UpdateStatus(clipID, ledger.StatusFailed); stErr != nil {
		v.log.Warn("could not mark meeting failed", "clip_id", clipID, "error", stErr)
	}
	return err
}

func (v *Validator) validate(ctx context.Context, clipID int) (*ledger.Validation, error) {
	primary, err := v.files.ReadTranscript(clipID, v.cfg.ASR.Primary.Model)
	if err != nil {
		return nil, fmt.Errorf("validate: primary transcript for %d: %w", clipID, err)
	}
	secondary, err := v.files.ReadTranscript(clipID, v.cfg.ASR.Secondary.Model)
	if err != nil {
		return nil, fmt.Errorf("validate: secondary transcript for %d: %w", clipID, err)
	}

	wer := WER(primary.Text, secondary.Text)
	divergent := DivergentSegments(primary.Segments, secondary.Segments, v.cfg.Thresholds.WERDivergence)

	items, err := v.store.AgendaItems(clipID)
	if err != nil {
		return nil, err
	}

	tier1 := v.tierOne(ctx, primary.Segments, items)

	deepIndices := v.deepReviewIndices(tier1, divergent, len(primary.Segments))
	tier2 := v.tierTwo(ctx, deepIndices, primary.Segments, divergent, secondary.Segments)

	validation := &ledger.Validation{
		ClipID:            clipID,
		LargeV3Text:       primary.Text,
		MediumText:        secondary.Text,
		MergedText:        primary.Text,
		WERScore:          wer,
		DivergentSegments: divergent,
		Tier1Scores:       tier1,
		Tier2Scores:       tier2,
	}
	for _, t := range tier2 {
		if t.NeedsHumanReview {
			validation.HumanReviewNeeded = true
		}
	}
	validation.Issues = collectIssues(tier1, tier2)
	return validation, nil
}

// tierOne runs the fast coherence check over the opening segments. LLM
// failures degrade to a neutral score that requests deep review rather than
// failing the whole meeting.
func (v *Validator) tierOne(ctx context.Context, segments []asr.Segment, items []ledger.AgendaItem) []ledger.TierOneScore {
	limit := len(segments)
	if limit > tierOneSegmentLimit {
		limit = tierOneSegmentLimit
	}

	scores := make([]ledger.TierOneScore, 0, limit)
	for i := 0; i < limit; i++ {
		seg := segments[i]
		prompt := fastPrompt(v.cfg.Roster, v.cfg.Domain.LocalTerms, agendaTitleAt(items, seg.Start), seg.Text)
		content, err := v.complete(ctx, v.fast, "validation_fast", prompt)

		score := ledger.TierOneScore{Index: i}
		var parsed struct {
			Score           int      `json:"score"`
			Issues          []string `json:"issues"`
			NeedsDeepReview bool     `json:"needs_deep_review"`
		}
		if err == nil {
			err = jsonextract.UnmarshalObject(content, &parsed)
		}
		if err != nil {
			// The neutral score sits below the coherence threshold, so the
			// segment still reaches the deep pass.
			v.log.Warn("fast validation unusable, scoring neutral",
				"segment", i, "error", err)
			score.Score = 50
			score.Issues = []string{"Failed to parse validation response"}
		} else {
			score.Score = parsed.Score
			score.Issues = parsed.Issues
			score.NeedsDeepReview = parsed.NeedsDeepReview
		}
		scores = append(scores, score)
	}
	return scores
}

// deepReviewIndices merges the fast pass's flagged segments with the
// engine-divergent ones, sorted and capped at the deep-pass limit.
func (v *Validator) deepReviewIndices(tier1 []ledger.TierOneScore, divergent []ledger.DivergentSegment, segmentCount int) []int {
	flagged := make(map[int]bool)
	for _, t := range tier1 {
		if t.Score < v.cfg.Thresholds.CoherenceMin || t.NeedsDeepReview {
			flagged[t.Index] = true
		}
	}
	for _, d := range divergent {
		if d.Index < segmentCount {
			flagged[d.Index] = true
		}
	}

	indices := make([]int, 0, len(flagged))
	for i := range flagged {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	if len(indices) > tierTwoSegmentLimit {
		indices = indices[:tierTwoSegmentLimit]
	}
	return indices
}

// tierTwo escalates each flagged segment to the reasoning model, comparing
// the two engines' text for that window. Unusable responses degrade to a
// neutral verdict that keeps the primary engine and asks for a human.
func (v *Validator) tierTwo(ctx context.Context, indices []int, primary []asr.Segment, divergent []ledger.DivergentSegment, secondary []asr.Segment) []ledger.TierTwoScore {
	secondaryText := make(map[int]string, len(divergent))
	for _, d := range divergent {
		secondaryText[d.Index] = d.SecondaryText
	}

	scores := make([]ledger.TierTwoScore, 0, len(indices))
	for _, i := range indices {
		seg := primary[i]
		secText, ok := secondaryText[i]
		if !ok {
			secText = windowText(secondary, seg)
		}
		prompt := deepPrompt(v.cfg.Roster, v.cfg.Domain.LocalTerms, seg.Text, secText)
		content, err := v.complete(ctx, v.deep, "validation_deep", prompt)

		score := ledger.TierTwoScore{Index: i}
		var parsed struct {
			CoherenceScore         int               `json:"coherence_score"`
			PreferredTranscription string            `json:"preferred_transcription"`
			Issues                 []string          `json:"issues"`
			Corrections            map[string]string `json:"corrections"`
			NeedsHumanReview       bool              `json:"needs_human_review"`
		}
		if err == nil {
			err = jsonextract.UnmarshalObject(content, &parsed)
		}
		if err != nil {
			v.log.Warn("deep validation unusable, requesting human review",
				"segment", i, "error", err)
			score.CoherenceScore = 50
			score.PreferredTranscription = "large_v3"
			score.NeedsHumanReview = true
		} else {
			score.CoherenceScore = parsed.CoherenceScore
			score.PreferredTranscription = parsed.PreferredTranscription
			score.Issues = parsed.Issues
			score.Corrections = parsed.Corrections
			score.NeedsHumanReview = parsed.NeedsHumanReview
		}
		scores = append(scores, score)
	}
	return scores
}

// complete sends one prompt to a provider and records the call's metrics.
func (v *Validator) complete(ctx context.Context, p llm.Provider, purpose, prompt string) (string, error) {
	start := time.Now()
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: llmTemperature,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		v.metrics.RecordLLMRequest(ctx, p.Model(), purpose, "error", elapsed, 0, 0)
		return "", err
	}
	if resp == nil {
		v.metrics.RecordLLMRequest(ctx, p.Model(), purpose, "error", elapsed, 0, 0)
		return "", fmt.Errorf("validate: empty response from %s", p.Model())
	}
	v.metrics.RecordLLMRequest(ctx, p.Model(), purpose, "ok", elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Content, nil
}

// agendaTitleAt returns the title of the agenda item covering the given
// offset, or empty when none does.
func agendaTitleAt(items []ledger.AgendaItem, start float64) string {
	title := ""
	for _, item := range items {
		if float64(item.StartSeconds) > start {
			continue
		}
		if item.EndSeconds != nil && float64(*item.EndSeconds) < start {
			continue
		}
		title = item.Title
	}
	return title
}

// windowText concatenates the text of all segments that intersect seg's
// time window.
func windowText(segments []asr.Segment, seg asr.Segment) string {
	text := ""
	for _, s := range segments {
		if s.Start <= seg.End && s.End >= seg.Start {
			if text != "" {
				text += " "
			}
			text += s.Text
		}
	}
	return text
}

// collectIssues unions the issues from both passes, preserving first-seen
// order and dropping duplicates.
func collectIssues(tier1 []ledger.TierOneScore, tier2 []ledger.TierTwoScore) []string {
	seen := make(map[string]bool)
	var issues []string
	add := func(list []string) {
		for _, issue := range list {
			if issue == "" || seen[issue] {
				continue
			}
			seen[issue] = true
			issues = append(issues, issue)
		}
	}
	for _, t := range tier1 {
		add(t.Issues)
	}
	for _, t := range tier2 {
		add(t.Issues)
	}
	return issues
}
