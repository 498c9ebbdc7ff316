// Package download implements the audio download stage.
//
// For each discovered meeting with a stream URL, the stage extracts the
// audio track to the artifact store and advances the meeting to
// "downloaded". A playable audio file already on disk (from an interrupted
// run) is adopted without re-fetching the stream: files on disk are the
// resume primitive.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencivics/civiclerk/internal/artifact"
	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/pkg/provider/extractor"
)

const stageName = "download"

// Downloader runs the download stage over discovered meetings.
type Downloader struct {
	cfg     *config.Config
	store   *ledger.Store
	files   *artifact.Store
	audio   extractor.Extractor
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Downloader) { d.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// New creates a Downloader.
func New(cfg *config.Config, store *ledger.Store, files *artifact.Store, audio extractor.Extractor, opts ...Option) *Downloader {
	d := &Downloader{cfg: cfg, store: store, files: files, audio: audio}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Stats summarises one download run. Skipped counts meetings whose playable
// audio was already on disk from an earlier run.
type Stats struct {
	Downloaded int
	Failed     int
	Skipped    int
}

// Run downloads the next batch of discovered meetings, oldest first. A
// per-meeting failure marks that meeting failed and continues with the rest.
func (d *Downloader) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := d.store.NextPending(ledger.StatusDiscovered, d.cfg.Batch.Download)
	if err != nil {
		return stats, fmt.Errorf("download: list pending: %w", err)
	}
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		switch resumed, err := d.DownloadMeeting(ctx, m); {
		case err == nil && resumed:
			stats.Skipped++
		case err == nil:
			stats.Downloaded++
		case ctx.Err() != nil:
			return stats, ctx.Err()
		default:
			d.log.Error("download failed", "clip_id", m.ClipID, "error", err)
			stats.Failed++
		}
	}
	return stats, nil
}

// DownloadMeeting fetches one meeting's audio. The meeting must be in status
// "discovered"; on success it ends "downloaded", on error "failed". A
// meeting with no stream URL cannot ever download and is marked failed
// immediately. resumed reports that an existing playable file was adopted
// instead of re-fetching the stream.
func (d *Downloader) DownloadMeeting(ctx context.Context, m *ledger.Meeting) (resumed bool, err error) {
	if m.VideoURL == "" {
		err := fmt.Errorf("download: meeting %d has no stream URL", m.ClipID)
		d.fail(ctx, m.ClipID, time.Now(), err)
		return false, err
	}
	if err := d.store.AdvanceStatus(m.ClipID, ledger.StatusDiscovered, ledger.StatusDownloading); err != nil {
		return false, err
	}
	start := time.Now()
	outPath := d.files.AudioPath(m.ClipID)

	info, resumed, err := d.obtainAudio(ctx, m.VideoURL, outPath)
	if err != nil {
		d.fail(ctx, m.ClipID, start, err)
		return false, err
	}

	if info.DurationSeconds > 0 {
		if err := d.store.UpdateDuration(m.ClipID, int(info.DurationSeconds)); err != nil {
			d.log.Warn("could not record duration", "clip_id", m.ClipID, "error", err)
		}
	}
	msg := fmt.Sprintf("duration=%.0fs size=%d resumed=%t", info.DurationSeconds, info.SizeBytes, resumed)
	if err := d.store.LogEvent(m.ClipID, stageName, "completed", msg); err != nil {
		d.log.Warn("could not log completion", "clip_id", m.ClipID, "error", err)
	}
	if err := d.store.AdvanceStatus(m.ClipID, ledger.StatusDownloading, ledger.StatusDownloaded); err != nil {
		return false, err
	}
	d.metrics.RecordStage(ctx, stageName, "completed", time.Since(start).Seconds())
	d.log.Info("meeting audio ready",
		"clip_id", m.ClipID,
		"duration_seconds", info.DurationSeconds,
		"resumed", resumed)
	return resumed, nil
}

// obtainAudio returns probe info for the meeting's audio file, extracting it
// first unless a playable file already exists.
func (d *Downloader) obtainAudio(ctx context.Context, streamURL, outPath string) (info *extractor.ProbeInfo, resumed bool, err error) {
	if info, err := d.audio.Probe(ctx, outPath); err == nil && info != nil && info.DurationSeconds > 0 {
		return info, true, nil
	}

	timeout := time.Duration(d.cfg.Timeouts.DownloadSeconds) * time.Second
	extractCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.audio.ExtractAudio(extractCtx, streamURL, outPath); err != nil {
		return nil, false, fmt.Errorf("download: extract audio: %w", err)
	}

	info, err = d.audio.Probe(ctx, outPath)
	if err != nil {
		return nil, false, fmt.Errorf("download: probe extracted audio: %w", err)
	}
	return info, false, nil
}

func (d *Downloader) fail(ctx context.Context, clipID int, start time.Time, cause error) {
	d.metrics.RecordStage(ctx, stageName, "failed", time.Since(start).Seconds())
	if err := d.store.LogEvent(clipID, stageName, "failed", cause.Error()); err != nil {
		d.log.Warn("could not log failure", "clip_id", clipID, "error", err)
	}
	if err := d.store.UpdateStatus(clipID, ledger.StatusFailed); err != nil {
		d.log.Warn("could not mark meeting failed", "clip_id", clipID, "error", err)
	}
}
