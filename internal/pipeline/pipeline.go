// Package pipeline sequences the stage workers into full and incremental
// runs, reports ledger-wide progress, and hosts the continuous attribution
// loop.
//
// Stages are ordered so that work products appear as early as possible:
// attribution runs right after transcription, before validation, because
// speaker evidence only needs the transcript and the analyst waiting on a
// meeting wants names in the first export.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencivics/civiclerk/internal/analyze"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/diarize"
	"github.com/opencivics/civiclerk/internal/discovery"
	"github.com/opencivics/civiclerk/internal/download"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/transcribe"
	"github.com/opencivics/civiclerk/internal/validate"
)

// Per-meeting wall time estimates, in minutes, for the status report. Taken
// from observed medians on three-hour council recordings with local models.
const (
	etaDownloadMinutes   = 7
	etaTranscribeMinutes = 25
	etaValidateMinutes   = 3
	etaAnalyzeMinutes    = 8
)

// rateWindowSize is how many recent completions the continuous loop's
// throughput figure is computed over.
const rateWindowSize = 20

// Stage interfaces let tests orchestrate against stubs. The concrete workers
// satisfy them as-is.
type (
	DiscoveryStage interface {
		Run(ctx context.Context) (discovery.Stats, error)
	}
	DownloadStage interface {
		Run(ctx context.Context) (download.Stats, error)
	}
	TranscribeStage interface {
		Run(ctx context.Context) (transcribe.Stats, error)
	}
	DiarizeStage interface {
		Run(ctx context.Context) (diarize.Stats, error)
		Pending(limit int) ([]*ledger.Meeting, error)
		DiarizeMeeting(ctx context.Context, clipID int) error
	}
	ValidateStage interface {
		Run(ctx context.Context) (validate.Stats, error)
	}
	AnalyzeStage interface {
		Run(ctx context.Context) (analyze.Stats, error)
	}
)

// Stages bundles the workers the orchestrator sequences. A nil stage is
// treated as skipped.
type Stages struct {
	Discovery  DiscoveryStage
	Download   DownloadStage
	Transcribe TranscribeStage
	Diarize    DiarizeStage
	Validate   ValidateStage
	Analyze    AnalyzeStage
}

// Skip flags individual stages out of a run.
type Skip struct {
	Discovery  bool
	Download   bool
	Transcribe bool
	Diarize    bool
	Validate   bool
	Analyze    bool
}

// StageResult summarises one stage of a pipeline run.
type StageResult struct {
	Name    string
	Done    int
	Failed  int
	Skipped int

	// Ran is false when the stage was skipped by flag or missing worker.
	Ran bool
}

// Orchestrator runs the stage workers in pipeline order.
type Orchestrator struct {
	cfg    *config.Config
	store  *ledger.Store
	stages Stages
	log    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an Orchestrator over the given stage workers.
func New(cfg *config.Config, store *ledger.Store, stages Stages, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, store: store, stages: stages}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Run executes one full pipeline pass: discovery, download, transcription,
// attribution, validation, analysis. A stage-level error (cancellation,
// storage failure) aborts the pass; per-meeting failures are already
// absorbed inside each worker.
func (o *Orchestrator) Run(ctx context.Context, skip Skip) ([]StageResult, error) {
	var results []StageResult
	run := func(name string, skipped bool, f func(context.Context) (StageResult, error)) error {
		if skipped {
			results = append(results, StageResult{Name: name})
			return nil
		}
		start := time.Now()
		r, err := f(ctx)
		if err != nil {
			results = append(results, r)
			return fmt.Errorf("pipeline: %s stage: %w", name, err)
		}
		r.Ran = true
		results = append(results, r)
		o.log.Info("stage finished", "stage", name,
			"done", r.Done, "failed", r.Failed, "skipped", r.Skipped,
			"elapsed", time.Since(start).Round(time.Second).String())
		return nil
	}

	steps := []struct {
		name string
		skip bool
		f    func(context.Context) (StageResult, error)
	}{
		{"discovery", skip.Discovery || o.stages.Discovery == nil, o.runDiscovery},
		{"download", skip.Download || o.stages.Download == nil, o.runDownload},
		{"transcribe", skip.Transcribe || o.stages.Transcribe == nil, o.runTranscribe},
		{"diarize", skip.Diarize || o.stages.Diarize == nil, o.runDiarize},
		{"validate", skip.Validate || o.stages.Validate == nil, o.runValidate},
		{"analyze", skip.Analyze || o.stages.Analyze == nil, o.runAnalyze},
	}
	for _, step := range steps {
		if err := run(step.name, step.skip, step.f); err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunIncremental executes a pipeline pass over already-discovered meetings,
// leaving the clip range unprobed.
func (o *Orchestrator) RunIncremental(ctx context.Context, skip Skip) ([]StageResult, error) {
	skip.Discovery = true
	return o.Run(ctx, skip)
}

func (o *Orchestrator) runDiscovery(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Discovery.Run(ctx)
	return StageResult{Name: "discovery", Done: s.New + s.Updated, Skipped: s.Existing}, err
}

func (o *Orchestrator) runDownload(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Download.Run(ctx)
	return StageResult{Name: "download", Done: s.Downloaded, Failed: s.Failed, Skipped: s.Skipped}, err
}

func (o *Orchestrator) runTranscribe(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Transcribe.Run(ctx)
	return StageResult{Name: "transcribe", Done: s.Transcribed, Failed: s.Failed}, err
}

func (o *Orchestrator) runDiarize(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Diarize.Run(ctx)
	return StageResult{Name: "diarize", Done: s.Diarized, Failed: s.Failed, Skipped: s.Skipped}, err
}

func (o *Orchestrator) runValidate(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Validate.Run(ctx)
	return StageResult{Name: "validate", Done: s.Validated, Failed: s.Failed}, err
}

func (o *Orchestrator) runAnalyze(ctx context.Context) (StageResult, error) {
	s, err := o.stages.Analyze.Run(ctx)
	return StageResult{Name: "analyze", Done: s.Analyzed, Failed: s.Failed}, err
}

// StatusReport is a snapshot of ledger-wide pipeline progress.
type StatusReport struct {
	// Counts is the number of meetings in each status.
	Counts map[ledger.Status]int

	// Total is the number of meetings the ledger knows about.
	Total int

	// Pending work per stage, derived from the steady statuses.
	PendingDownload   int
	PendingTranscribe int
	PendingValidate   int
	PendingAnalyze    int

	// ETAMinutes estimates the wall time to drain all pending work.
	ETAMinutes int

	// RecentFailures are the newest failed processing log entries, most
	// recent first.
	RecentFailures []ledger.Event
}

// statusFailureLimit caps how many failed events the status report carries.
const statusFailureLimit = 10

// Status reports how many meetings sit in each status, the most recent
// failures, and a rough time estimate for the remaining work.
func (o *Orchestrator) Status() (*StatusReport, error) {
	counts, err := o.store.CountsByStatus()
	if err != nil {
		return nil, err
	}
	failures, err := o.store.RecentFailedEvents(statusFailureLimit)
	if err != nil {
		return nil, err
	}
	r := &StatusReport{
		Counts:            counts,
		RecentFailures:    failures,
		PendingDownload:   counts[ledger.StatusDiscovered],
		PendingTranscribe: counts[ledger.StatusDownloaded],
		PendingValidate:   counts[ledger.StatusTranscribed],
		PendingAnalyze:    counts[ledger.StatusValidated],
	}
	for _, n := range counts {
		r.Total += n
	}
	r.ETAMinutes = r.PendingDownload*etaDownloadMinutes +
		r.PendingTranscribe*etaTranscribeMinutes +
		r.PendingValidate*etaValidateMinutes +
		r.PendingAnalyze*etaAnalyzeMinutes
	return r, nil
}

// ContinuousStats summarises a continuous attribution loop at exit.
type ContinuousStats struct {
	Diarized  int
	Failed    int
	Exhausted int
}

// ContinuousDiarize drains attribution work, sleeps, and repeats until the
// context is cancelled. Meetings whose diarize stage has already failed
// maxRetries times are left alone; everything else is retried on every
// cycle. The loop reports its recent throughput as it goes.
func (o *Orchestrator) ContinuousDiarize(ctx context.Context, pollInterval time.Duration, maxRetries int) (ContinuousStats, error) {
	var stats ContinuousStats
	var completions []time.Time
	exhausted := make(map[int]bool)

	for {
		drained, err := o.drainDiarize(ctx, maxRetries, &stats, &completions, exhausted)
		if err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, err
		}
		o.log.Info("attribution cycle finished",
			"diarized", stats.Diarized,
			"failed", stats.Failed,
			"exhausted", stats.Exhausted,
			"meetings_per_hour", throughput(completions),
			"drained", drained)

		select {
		case <-ctx.Done():
			return stats, nil
		case <-time.After(pollInterval):
		}
	}
}

// drainDiarize attributes eligible pending meetings until a pass completes
// nothing, so a persistently failing meeting waits for the next cycle
// instead of being hammered in a tight loop.
func (o *Orchestrator) drainDiarize(ctx context.Context, maxRetries int, stats *ContinuousStats, completions *[]time.Time, exhausted map[int]bool) (int, error) {
	drained := 0
	for {
		pending, err := o.stages.Diarize.Pending(o.cfg.Batch.Diarize)
		if err != nil {
			return drained, err
		}
		succeeded := 0
		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return drained, err
			}
			retries, err := o.store.RetryCount(m.ClipID, "diarize")
			if err != nil {
				return drained, err
			}
			if maxRetries > 0 && retries >= maxRetries {
				if !exhausted[m.ClipID] {
					exhausted[m.ClipID] = true
					stats.Exhausted++
					o.log.Warn("attribution retries exhausted",
						"clip_id", m.ClipID, "retries", retries)
				}
				continue
			}
			if err := o.stages.Diarize.DiarizeMeeting(ctx, m.ClipID); err != nil {
				o.log.Error("attribution failed", "clip_id", m.ClipID, "error", err)
				stats.Failed++
				continue
			}
			succeeded++
			stats.Diarized++
			drained++
			*completions = append(*completions, time.Now())
			if len(*completions) > rateWindowSize {
				*completions = (*completions)[len(*completions)-rateWindowSize:]
			}
		}
		if succeeded == 0 {
			return drained, nil
		}
	}
}

// throughput computes meetings per hour over the recent completion window.
func throughput(completions []time.Time) float64 {
	if len(completions) < 2 {
		return 0
	}
	elapsed := completions[len(completions)-1].Sub(completions[0]).Hours()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(completions)-1) / elapsed
}
