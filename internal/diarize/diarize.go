// Package diarize implements the speaker attribution stage.
//
// An acoustic diarizer (when configured) groups the meeting into anonymous
// speaker turns. Names are then fused from three direct evidence sources —
// transcript phrasing patterns, agenda presenters, and batched LLM
// attribution — and propagated across turns that share an acoustic speaker.
// The result is written as the diarization artifact; the ledger status is
// untouched, so attribution can run and re-run independently of the
// validate/analyze progression.
package diarize

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
	"github.com/opencivics/civiclerk/pkg/provider/diarizer"
	"github.com/opencivics/civiclerk/pkg/provider/llm"
)

const stageName = "diarize"

// Evidence weights and confidences. Pattern evidence is the strongest: a
// self-introduction on the record beats everything else.
const (
	patternWeight     = 2.0
	agendaWeight      = 1.5
	llmWeight         = 1.0
	patternConfidence = 0.9
	agendaConfidence  = 0.7
	mappedConfidence  = 0.6
)

// artifactTextLimit truncates segment text in the diarization artifact.
const artifactTextLimit = 500

// Worker runs speaker attribution over transcribed meetings.
type Worker struct {
	cfg     *config.Config
	store   *ledger.Store
	files   *artifact.Store
	turns   diarizer.Diarizer
	llm     llm.Provider
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a Worker. turns may be nil when no acoustic diarizer is
// configured; attribution then runs on transcript evidence alone.
func New(cfg *config.Config, store *ledger.Store, files *artifact.Store, turns diarizer.Diarizer, llmProvider llm.Provider, opts ...Option) *Worker {
	w := &Worker{cfg: cfg, store: store, files: files, turns: turns, llm: llmProvider}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Stats summarises one diarization run.
type Stats struct {
	Diarized int
	Failed   int
	Skipped  int
}

// Run diarizes the next batch of meetings that have a transcript but no
// diarization artifact yet.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := w.Pending(w.cfg.Batch.Diarize)
	if err != nil {
		return stats, err
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch err := w.DiarizeMeeting(ctx, m.ClipID); {
		case err == nil:
			stats.Diarized++
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			w.log.Error("diarization failed", "clip_id", m.ClipID, "error", err)
			stats.Failed++
		}
	}
	return stats, nil
}

// Pending returns up to limit meetings whose transcript exists but whose
// diarization artifact does not. Attribution is keyed on the artifact, not a
// ledger status, so meetings already validated or analyzed still qualify.
func (w *Worker) Pending(limit int) ([]*ledger.Meeting, error) {
	var pending []*ledger.Meeting
	for _, status := range []ledger.Status{
		ledger.StatusTranscribed, ledger.StatusValidated, ledger.StatusAnalyzed,
	} {
		if len(pending) >= limit {
			break
		}
		meetings, err := w.store.NextPending(status, limit-len(pending))
		if err != nil {
			return nil, fmt.Errorf("diarize: list pending: %w", err)
		}
		for _, m := range meetings {
			if !w.files.HasDiarization(m.ClipID) {
				pending = append(pending, m)
			}
		}
	}
	return pending, nil
}

// DiarizeMeeting attributes speakers for one meeting and writes the
// diarization artifact. An existing artifact makes this a no-op. Failures
// are logged to the processing log for retry accounting but never change
// the meeting's status.
func (w *Worker) DiarizeMeeting(ctx context.Context, clipID int) error {
	if w.files.HasDiarization(clipID) {
		return nil
	}
	start := time.Now()

	d, err := w.diarize(ctx, clipID)
	if err != nil {
		w.metrics.RecordStage(ctx, stageName, "failed", time.Since(start).Seconds())
		if logErr := w.store.LogEvent(clipID, stageName, "failed", err.Error()); logErr != nil {
			w.log.Warn("could not log failure", "clip_id", clipID, "error", logErr)
		}
		return err
	}

	if err := w.files.WriteDiarization(d); err != nil {
		return err
	}
	msg := fmt.Sprintf("speakers=%d identified=%d segments=%d",
		d.TotalSpeakers, d.IdentifiedSpeakers, len(d.Segments))
	if err := w.store.LogEvent(clipID, stageName, "completed", msg); err != nil {
		w.log.Warn("could not log completion", "clip_id", clipID, "error", err)
	}
	w.metrics.RecordStage(ctx, stageName, "completed", time.Since(start).Seconds())
	w.log.Info("meeting diarized",
		"clip_id", clipID,
		"total_speakers", d.TotalSpeakers,
		"identified_speakers", d.IdentifiedSpeakers)
	return nil
}

func (w *Worker) diarize(ctx context.Context, clipID int) (*artifact.Diarization, error) {
	transcript, err := w.files.ReadTranscript(clipID, w.cfg.ASR.Primary.Model)
	if err != nil {
		return nil, fmt.Errorf("diarize: primary transcript for %d: %w", clipID, err)
	}

	var turns []diarizer.Turn
	if w.turns != nil {
		turns, err = w.turns.Diarize(ctx, w.files.AudioPath(clipID))
		if err != nil {
			return nil, fmt.Errorf("diarize: acoustic turns for %d: %w", clipID, err)
		}
	}

	items, err := w.store.AgendaItems(clipID)
	if err != nil {
		return nil, err
	}
	verdicts := w.llmCandidates(ctx, transcript.Segments, items)

	return w.fuse(clipID, transcript.Segments, turns, items, verdicts), nil
}

// attribution is one segment's resolved speaker.
type attribution struct {
	name       string
	method     string
	confidence float64
}

// fuse combines the evidence sources into named segments. Direct evidence
// (pattern, agenda, LLM) is resolved per segment by weight sum with
// pattern > agenda > llm priority on ties; turn-level majority votes then
// propagate names to acoustically matching segments without direct evidence.
func (w *Worker) fuse(clipID int, segments []asr.Segment, turns []diarizer.Turn, items []ledger.AgendaItem, verdicts map[int]llmVerdict) *artifact.Diarization {
	direct := make(map[int]attribution)
	for i, seg := range segments {
		if a, ok := w.directAttribution(i, seg, items, verdicts); ok {
			direct[i] = a
		}
	}

	speakerIDs := assignTurnIDs(segments, turns)

	// Majority vote per acoustic speaker, weighted by evidence strength.
	votes := make(map[string]map[string]float64)
	for i, a := range direct {
		id := speakerIDs[i]
		if id == "" {
			continue
		}
		if votes[id] == nil {
			votes[id] = make(map[string]float64)
		}
		votes[id][a.name] += methodWeight(a.method)
	}
	mapping := make(map[string]string)
	for id, candidates := range votes {
		best, bestWeight := "", 0.0
		for name, weight := range candidates {
			if weight > bestWeight {
				best, bestWeight = name, weight
			}
		}
		mapping[id] = best
	}

	d := &artifact.Diarization{
		ClipID:         clipID,
		SpeakerMapping: mapping,
	}
	identified := make(map[string]bool)
	for i, seg := range segments {
		out := artifact.DiarizedSegment{
			Start:     seg.Start,
			End:       seg.End,
			SpeakerID: speakerIDs[i],
			Text:      truncate(seg.Text, artifactTextLimit),
		}
		if a, ok := direct[i]; ok {
			out.SpeakerName = a.name
			out.Confidence = a.confidence
			out.Method = a.method
		} else if name, ok := mapping[speakerIDs[i]]; ok {
			out.SpeakerName = name
			out.Confidence = mappedConfidence
			out.Method = "turn-detector-mapped"
		}
		if out.SpeakerName != "" {
			identified[out.SpeakerName] = true
			// Keep the invariant that every named segment's ID resolves
			// through the mapping, including UNKNOWN ones.
			if _, ok := mapping[out.SpeakerID]; !ok {
				mapping[out.SpeakerID] = out.SpeakerName
			}
		}
		d.Segments = append(d.Segments, out)
	}

	acoustic := make(map[string]bool)
	for _, t := range turns {
		acoustic[t.SpeakerID] = true
	}
	d.TotalSpeakers = len(acoustic)
	d.IdentifiedSpeakers = len(identified)
	return d
}

// directAttribution resolves one segment's speaker from pattern, agenda, and
// LLM evidence.
func (w *Worker) directAttribution(i int, seg asr.Segment, items []ledger.AgendaItem, verdicts map[int]llmVerdict) (attribution, bool) {
	type candidate struct {
		attribution
		weight float64
	}
	var candidates []candidate

	for _, name := range patternCandidates(seg.Text, w.cfg.Roster) {
		candidates = append(candidates, candidate{
			attribution{name, "pattern", patternConfidence}, patternWeight,
		})
	}
	if presenter := presenterAt(items, seg.Start); presenter != "" {
		candidates = append(candidates, candidate{
			attribution{presenter, "agenda", agendaConfidence}, agendaWeight,
		})
	}
	if v, ok := verdicts[i]; ok {
		candidates = append(candidates, candidate{
			attribution{v.Speaker, "llm", v.Confidence}, llmWeight,
		})
	}
	if len(candidates) == 0 {
		return attribution{}, false
	}

	// Weight sum per name; the candidate slice is already in priority
	// order, so a strict > comparison gives ties to the stronger evidence.
	weights := make(map[string]float64)
	for _, c := range candidates {
		weights[c.name] += c.weight
	}
	var best candidate
	bestWeight := 0.0
	for _, c := range candidates {
		if weights[c.name] > bestWeight {
			best, bestWeight = c, weights[c.name]
		}
	}
	return best.attribution, true
}

func methodWeight(method string) float64 {
	switch method {
	case "pattern":
		return patternWeight
	case "agenda":
		return agendaWeight
	default:
		return llmWeight
	}
}

// presenterAt returns the presenter of the agenda item covering the offset,
// when one is recorded.
func presenterAt(items []ledger.AgendaItem, start float64) string {
	presenter := ""
	for _, item := range items {
		if float64(item.StartSeconds) > start {
			continue
		}
		if item.EndSeconds != nil && float64(*item.EndSeconds) < start {
			continue
		}
		if item.Presenter != "" {
			presenter = item.Presenter
		}
	}
	return presenter
}

// assignTurnIDs maps each segment to the acoustic turn it overlaps most.
// Segments with no overlapping turn get a unique UNKNOWN_i ID.
func assignTurnIDs(segments []asr.Segment, turns []diarizer.Turn) map[int]string {
	ids := make(map[int]string, len(segments))
	for i, seg := range segments {
		best, bestOverlap := "", 0.0
		for _, t := range turns {
			o := overlap(seg.Start, seg.End, t.Start, t.End)
			if o > bestOverlap {
				best, bestOverlap = t.SpeakerID, o
			}
		}
		if best == "" {
			best = fmt.Sprintf("UNKNOWN_%d", i)
		}
		ids[i] = best
	}
	return ids
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	start, end := aStart, aEnd
	if bStart > start {
		start = bStart
	}
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
