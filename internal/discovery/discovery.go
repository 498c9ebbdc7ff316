// Package discovery implements the meeting discovery stage.
//
// Discovery probes a range of platform clip IDs, parses what each published
// page says about its meeting, and records new meetings in the ledger with
// status "discovered". Gaps in the ID space are normal; re-runs are
// idempotent and only fill in missing stream URLs on meetings already known.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/opencivics/civiclerk/internal/config"
	"github.com/opencivics/civiclerk/internal/ledger"
	"github.com/opencivics/civiclerk/internal/observe"
	"github.com/opencivics/civiclerk/pkg/provider/clipsource"
)

const stageName = "discovery"

// maxConcurrentProbes bounds parallel page fetches so the platform is not
// hammered.
const maxConcurrentProbes = 5

// Discoverer probes the clip ID range and records meetings.
type Discoverer struct {
	cfg     *config.Config
	store   *ledger.Store
	source  clipsource.Fetcher
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Discoverer) { d.log = log }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Discoverer) { d.metrics = m }
}

// New creates a Discoverer over the configured clip ID range.
func New(cfg *config.Config, store *ledger.Store, source clipsource.Fetcher, opts ...Option) *Discoverer {
	d := &Discoverer{cfg: cfg, store: store, source: source}
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

// Stats summarises one discovery run.
type Stats struct {
	// New counts meetings recorded for the first time.
	New int

	// Existing counts clips already in the ledger and left untouched.
	Existing int

	// Updated counts known meetings whose missing stream URL was filled in.
	Updated int
}

// Run probes every clip ID in the configured range. Individual probe
// failures are logged and skipped; only context cancellation stops the run.
func (d *Discoverer) Run(ctx context.Context) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	sem := semaphore.NewWeighted(maxConcurrentProbes)

	for clipID := d.cfg.Source.ClipStart; clipID <= d.cfg.Source.ClipEnd; clipID++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return stats, err
		}
		wg.Add(1)
		go func(clipID int) {
			defer sem.Release(1)
			defer wg.Done()

			outcome, err := d.probe(ctx, clipID)
			if err != nil {
				d.log.Warn("clip probe failed", "clip_id", clipID, "error", err)
			}
			d.metrics.RecordDiscoveryProbe(ctx, outcome)

			mu.Lock()
			switch outcome {
			case "new":
				stats.New++
			case "existing":
				stats.Existing++
			case "updated":
				stats.Updated++
			}
			mu.Unlock()
		}(clipID)
	}
	wg.Wait()

	d.log.Info("discovery run finished",
		"range_start", d.cfg.Source.ClipStart,
		"range_end", d.cfg.Source.ClipEnd,
		"new", stats.New,
		"existing", stats.Existing,
		"updated", stats.Updated)
	return stats, ctx.Err()
}

// probe fetches one clip page and reconciles it with the ledger. The
// returned outcome feeds the discovery metrics: "new", "existing",
// "updated", "missing", "skipped", or "error".
func (d *Discoverer) probe(ctx context.Context, clipID int) (string, error) {
	page, err := d.source.FetchClip(ctx, clipID)
	if errors.Is(err, clipsource.ErrNotFound) {
		return "missing", nil
	}
	if err != nil {
		return "error", err
	}

	if isPlaceholderTitle(page.Title) {
		return "missing", nil
	}

	meetingType := classifyMeetingType(page.Title)
	if !d.typeAccepted(meetingType) {
		return "skipped", nil
	}

	existing, err := d.store.Meeting(clipID)
	switch {
	case err == nil:
		if existing.VideoURL == "" && page.StreamURL != "" {
			if err := d.store.UpdateVideoURL(clipID, page.StreamURL); err != nil {
				return "error", err
			}
			return "updated", nil
		}
		return "existing", nil
	case !errors.Is(err, ledger.ErrNotFound):
		return "error", err
	}

	return d.record(clipID, page, meetingType)
}

// record inserts a newly discovered meeting with its agenda items.
func (d *Discoverer) record(clipID int, page *clipsource.ClipPage, meetingType string) (string, error) {
	meeting := &ledger.Meeting{
		ClipID:          clipID,
		Title:           page.Title,
		MeetingDate:     parseMeetingDate(page.Title),
		MeetingType:     meetingType,
		VideoURL:        page.StreamURL,
		DurationSeconds: page.DurationSeconds,
	}
	if err := d.store.InsertMeeting(meeting); err != nil {
		// A concurrent run got here first; that clip is simply not new.
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return "existing", nil
		}
		return "error", err
	}

	items := make([]ledger.AgendaItem, 0, len(page.IndexPoints))
	for _, p := range page.IndexPoints {
		number, title := splitItemLabel(p.Label)
		if title == "" {
			continue
		}
		items = append(items, ledger.AgendaItem{
			ClipID:         clipID,
			ItemNumber:     number,
			Title:          title,
			StartSeconds:   p.Seconds,
			GranicusItemID: p.ItemID,
		})
	}
	if len(items) > 0 {
		if err := d.store.ReplaceAgendaItems(clipID, items); err != nil {
			return "error", err
		}
	}

	msg := fmt.Sprintf("type=%s date=%s agenda_items=%d", meetingType, meeting.MeetingDate, len(items))
	if err := d.store.LogEvent(clipID, stageName, "completed", msg); err != nil {
		d.log.Warn("could not log discovery", "clip_id", clipID, "error", err)
	}
	d.log.Info("meeting discovered",
		"clip_id", clipID,
		"title", page.Title,
		"type", meetingType,
		"date", meeting.MeetingDate,
		"agenda_items", len(items))
	return "new", nil
}

// typeAccepted reports whether the configured meeting type filter allows
// this type. An empty filter accepts everything.
func (d *Discoverer) typeAccepted(meetingType string) bool {
	if len(d.cfg.Source.MeetingTypes) == 0 {
		return true
	}
	for _, t := range d.cfg.Source.MeetingTypes {
		if t == meetingType {
			return true
		}
	}
	return false
}
