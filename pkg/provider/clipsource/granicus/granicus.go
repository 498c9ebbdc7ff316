// Package granicus provides a clip source backed by the Granicus MediaPlayer
// pages that most Californian city governments publish their meeting videos
// through.
//
// Granicus has no public metadata API, so this fetcher scrapes the player
// page: the <title> element, the HLS <source> tag (with a scripted
// video_url fallback), a duration hint, and the "index point" divs the clerk
// sets to mark agenda items.
package granicus

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opencivics/civiclerk/pkg/provider/clipsource"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Fetcher implements clipsource.Fetcher.
var _ clipsource.Fetcher = (*Fetcher)(nil)

var (
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	hlsSourceRe  = regexp.MustCompile(`(?is)<source[^>]+type=["']application/x-mpegurl["'][^>]*>`)
	srcAttrRe    = regexp.MustCompile(`(?i)src=["']([^"']+)["']`)
	videoURLRe   = regexp.MustCompile(`video_url\s*=\s*["']([^"']+)["']`)
	durationRe   = regexp.MustCompile(`(?i)duration["\s:]+(\d+)`)
	indexPointRe = regexp.MustCompile(`(?is)<div([^>]*class=["'][^"']*index-point[^"']*["'][^>]*)>(.*?)</div>`)
	timeAttrRe   = regexp.MustCompile(`(?i)\btime=["'](\d+)["']`)
	dataIDRe     = regexp.MustCompile(`(?i)\bdata-id=["']([^"']+)["']`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Option is a functional option for configuring a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the HTTP timeout for a single page fetch.
// Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely. Mainly useful in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// Fetcher implements clipsource.Fetcher for Granicus-hosted cities.
// Safe for concurrent use.
type Fetcher struct {
	baseURL    string
	viewID     int
	httpClient *http.Client
}

// New creates a Fetcher for the Granicus site at baseURL (e.g.,
// "https://chico.granicus.com"). viewID selects the city's player view and
// must be positive.
func New(baseURL string, viewID int, opts ...Option) (*Fetcher, error) {
	if baseURL == "" {
		return nil, errors.New("granicus: baseURL must not be empty")
	}
	if viewID <= 0 {
		return nil, fmt.Errorf("granicus: viewID must be positive, got %d", viewID)
	}
	f := &Fetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		viewID:     viewID,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// ClipURL returns the player page address for a clip ID.
func (f *Fetcher) ClipURL(clipID int) string {
	return fmt.Sprintf("%s/MediaPlayer.php?view_id=%d&clip_id=%d", f.baseURL, f.viewID, clipID)
}

// FetchClip implements clipsource.Fetcher.
func (f *Fetcher) FetchClip(ctx context.Context, clipID int) (*clipsource.ClipPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ClipURL(clipID), nil)
	if err != nil {
		return nil, fmt.Errorf("granicus: create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("granicus: fetch clip %d: %w", clipID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("granicus: clip %d: %w", clipID, clipsource.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("granicus: clip %d: server returned HTTP %d", clipID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("granicus: read clip %d page: %w", clipID, err)
	}

	return parsePage(string(body)), nil
}

// parsePage extracts clip metadata from a MediaPlayer page.
func parsePage(page string) *clipsource.ClipPage {
	clip := &clipsource.ClipPage{
		Title:     extractTitle(page),
		StreamURL: extractStreamURL(page),
	}
	if m := durationRe.FindStringSubmatch(page); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil {
			clip.DurationSeconds = d
		}
	}
	clip.IndexPoints = extractIndexPoints(page)
	return clip
}

func extractTitle(page string) string {
	m := titleRe.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return cleanText(m[1])
}

// extractStreamURL prefers the HLS <source> tag and falls back to the
// video_url assignment some player revisions embed in inline JavaScript.
func extractStreamURL(page string) string {
	if tag := hlsSourceRe.FindString(page); tag != "" {
		if m := srcAttrRe.FindStringSubmatch(tag); m != nil {
			return html.UnescapeString(m[1])
		}
	}
	if m := videoURLRe.FindStringSubmatch(page); m != nil {
		return html.UnescapeString(m[1])
	}
	return ""
}

// extractIndexPoints collects the agenda markers in page order. Markers
// without a parseable time attribute are dropped.
func extractIndexPoints(page string) []clipsource.IndexPoint {
	var points []clipsource.IndexPoint
	for _, m := range indexPointRe.FindAllStringSubmatch(page, -1) {
		attrs, inner := m[1], m[2]

		tm := timeAttrRe.FindStringSubmatch(attrs)
		if tm == nil {
			continue
		}
		seconds, err := strconv.Atoi(tm[1])
		if err != nil {
			continue
		}

		point := clipsource.IndexPoint{
			Seconds: seconds,
			Label:   cleanText(inner),
		}
		if idm := dataIDRe.FindStringSubmatch(attrs); idm != nil {
			point.ItemID = idm[1]
		}
		points = append(points, point)
	}
	return points
}

// cleanText strips nested tags, decodes entities, and collapses whitespace.
func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
