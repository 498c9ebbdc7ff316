// Package transcribe implements the dual-engine transcription stage.
//
// Each downloaded meeting is transcribed by two independent ASR engines.
// Both transcripts are written as artifacts (the validation stage compares
// them later); the primary engine's text and word timeline become the
// ledger's authoritative transcript. An engine's artifact already on disk is
// reused, so an interrupted run never re-transcribes hours of audio.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/pkg/provider/asr"
)

const stageName = "transcribe"

// Transcriber runs the transcription stage over downloaded meetings.
type Transcriber struct {
	cfg       *config.Config
	store     *ledger.Store
	files     *artifact.Store
	primary   asr.Provider
	secondary asr.Provider
	log       *slog.Logger
	metrics   *observe.Metrics
}

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(t *Transcriber) { t.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcriber) { t.metrics = m }
}

// New creates a Transcriber over the two configured engines.
func New(cfg *config.Config, store *ledger.Store, files *artifact.Store, primary, secondary asr.Provider, opts ...Option) *Transcriber {
	t := &Transcriber{
		cfg:       cfg,
		store:     store,
		files:     files,
		primary:   primary,
		secondary: secondary,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Stats summarises one transcription run.
type Stats struct {
	Transcribed int
	Failed      int
}

// Run transcribes the next batch of downloaded meetings, oldest first.
func (t *Transcriber) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := t.store.NextPending(ledger.StatusDownloaded, t.cfg.Batch.Transcribe)
	if err != nil {
		return stats, fmt.Errorf("transcribe: list pending: %w", err)
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch err := t.TranscribeMeeting(ctx, m.ClipID); {
		case err == nil:
			stats.Transcribed++
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			t.log.Error("transcription failed", "clip_id", m.ClipID, "error", err)
			stats.Failed++
		}
	}
	return stats, nil
}

// TranscribeMeeting runs both engines over one meeting's audio. The meeting
// must be in status "downloaded"; on success it ends "transcribed", on error
// "failed".
func (t *Transcriber) TranscribeMeeting(ctx context.Context, clipID int) error {
	if err := t.store.AdvanceStatus(clipID, ledger.StatusDownloaded, ledger.StatusTranscribing); err != nil {
		return err
	}
	start := time.Now()

	primary, secondary, err := t.runEngines(ctx, clipID)
	if err != nil {
		return t.failMeeting(ctx, clipID, start, err)
	}

	record := &ledger.Transcript{
		ClipID:                clipID,
		FullText:              primary.Text,
		Words:                 flattenWords(primary.Segments),
		ModelUsed:             fmt.Sprintf("dual:%s+%s", t.primary.Model(), t.secondary.Model()),
		ProcessingTimeSeconds: primary.ProcessingTimeSeconds + secondary.ProcessingTimeSeconds,
	}
	if err := t.store.UpsertTranscript(record); err != nil {
		return t.failMeeting(ctx, clipID, start, err)
	}
	msg := fmt.Sprintf("chars=%d words=%d processing=%.0fs",
		len(record.FullText), len(record.Words), record.ProcessingTimeSeconds)
	if err := t.store.LogEvent(clipID, stageName, "completed", msg); err != nil {
		t.log.Warn("could not log completion", "clip_id", clipID, "error", err)
	}
	if err := t.store.AdvanceStatus(clipID, ledger.StatusTranscribing, ledger.StatusTranscribed); err != nil {
		return t.failMeeting(ctx, clipID, start, err)
	}
	t.metrics.RecordStage(ctx, stageName, "completed", time.Since(start).Seconds())
	t.log.Info("meeting transcribed",
		"clip_id", clipID,
		"model", record.ModelUsed,
		"words", len(record.Words),
		"processing_seconds", record.ProcessingTimeSeconds)
	return nil
}

// failMeeting records a transcription failure: metric, processing log entry,
// and status "failed". The original error is returned for the caller's stats.
func (t *Transcriber) failMeeting(ctx context.Context, clipID int, start time.Time, err error) error {
	t.metrics.RecordStage(ctx, stageName, "failed", time.Since(start).Seconds())
	if logErr := t.store.LogEvent(clipID, stageName, "failed", err.Error()); logErr != nil {
		t.log.Warn("could not log failure", "clip_id", clipID, "error", logErr)
	}
	if stErr := t.store.UpdateStatus(clipID, ledger.StatusFailed); stErr != nil {
		t.log.Warn("could not mark meeting failed", "clip_id", clipID, "error", stErr)
	}
	return err
}

// runEngines produces both engines' transcripts under one shared deadline,
// reusing any artifact already on disk. The engines run one at a time: both
// whisper servers sit on the same GPU, and a second in-flight request only
// makes the first one slower. On a retry the surviving engine's artifact is
// reused, so the sequential second pass costs nothing.
func (t *Transcriber) runEngines(ctx context.Context, clipID int) (primary, secondary *artifact.Transcript, err error) {
	timeout := time.Duration(t.cfg.Timeouts.TranscribeSeconds) * time.Second
	engineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	primary, err = t.obtainTranscript(engineCtx, clipID, t.primary)
	if err != nil {
		return nil, nil, err
	}
	secondary, err = t.obtainTranscript(engineCtx, clipID, t.secondary)
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

// obtainTranscript returns one engine's transcript for a meeting, reading
// the artifact when it already exists and transcribing otherwise.
func (t *Transcriber) obtainTranscript(ctx context.Context, clipID int, engine asr.Provider) (*artifact.Transcript, error) {
	model := engine.Model()
	if t.files.HasTranscript(clipID, model) {
		tr, err := t.files.ReadTranscript(clipID, model)
		if err == nil && strings.TrimSpace(tr.Text) != "" {
			t.log.Debug("reusing transcript artifact", "clip_id", clipID, "model", model)
			return tr, nil
		}
		t.log.Warn("unusable transcript artifact, re-transcribing",
			"clip_id", clipID, "model", model, "error", err)
	}

	start := time.Now()
	result, err := engine.TranscribeFile(ctx, t.files.AudioPath(clipID))
	if err != nil {
		return nil, fmt.Errorf("transcribe: engine %s on %d: %w", model, clipID, err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, fmt.Errorf("transcribe: engine %s produced an empty transcript for %d", model, clipID)
	}
	tr := &artifact.Transcript{
		Text:                  result.Text,
		Segments:              result.Segments,
		Language:              result.Language,
		ProcessingTimeSeconds: time.Since(start).Seconds(),
		Model:                 model,
	}
	if err := t.files.WriteTranscript(clipID, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

func flattenWords(segments []asr.Segment) []asr.Word {
	var words []asr.Word
	for _, s := range segments {
		words = append(words, s.Words...)
	}
	return words
}
