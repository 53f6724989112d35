package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zybastuk/miniapp-metrics/internal/oplog"
)

// DefaultWindow is the trailing window used by the periodic metrics refresh:
// only posts added in the last seven days get re-scraped.
const DefaultWindow = 7 * 24 * time.Hour

// SyncConfig holds the static dispatch configuration.
type SyncConfig struct {
	// Actors maps each platform to the external actor that scrapes it. A
	// platform with no actor entry is silently skipped at dispatch.
	Actors map[Platform]string

	// Window overrides DefaultWindow when positive.
	Window time.Duration
}

// SyncService owns the metrics refresh pipeline: collecting recently added
// posts, dispatching per-platform scrape jobs, and reconciling asynchronously
// delivered results back onto stored rows.
type SyncService struct {
	posts  PostRepository
	runner ScrapeRunner
	ring   *oplog.Ring
	logger *slog.Logger

	actors map[Platform]string
	window time.Duration
	now    func() time.Time
}

// NewSyncService wires the pipeline dependencies.
func NewSyncService(posts PostRepository, runner ScrapeRunner, ring *oplog.Ring, cfg SyncConfig, logger *slog.Logger) *SyncService {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &SyncService{
		posts:  posts,
		runner: runner,
		ring:   ring,
		logger: logger,
		actors: cfg.Actors,
		window: window,
		now:    time.Now,
	}
}

// CollectRecent queries storage for posts added within the trailing window
// and partitions their URLs by platform. URLs are deduplicated by exact
// string; URLs matching no platform marker are dropped and counted. Platforms
// with no URLs are absent from the returned map.
func (s *SyncService) CollectRecent(ctx context.Context) (map[Platform][]string, int, error) {
	records, err := s.posts.PostsSince(ctx, s.now().Add(-s.window))
	if err != nil {
		return nil, 0, fmt.Errorf("load recent posts: %w", err)
	}

	seen := make(map[Platform]map[string]struct{})
	buckets := make(map[Platform][]string)
	dropped := 0
	for _, rec := range records {
		if rec.PostURL == "" {
			dropped++
			continue
		}
		platform, ok := ClassifyURL(rec.PostURL)
		if !ok {
			dropped++
			continue
		}
		if seen[platform] == nil {
			seen[platform] = make(map[string]struct{})
		}
		if _, dup := seen[platform][rec.PostURL]; dup {
			continue
		}
		seen[platform][rec.PostURL] = struct{}{}
		buckets[platform] = append(buckets[platform], rec.PostURL)
	}

	return buckets, dropped, nil
}

// SyncReport aggregates the outcome of one sync pass.
type SyncReport struct {
	Launched map[Platform]string
	Counts   map[Platform]int
	Dropped  int
}

// Empty reports whether the pass found nothing to dispatch.
func (r *SyncReport) Empty() bool {
	return len(r.Counts) == 0
}

// StartSync runs one collect-and-dispatch pass. Each platform is dispatched
// in its own goroutine with independent failure capture: one platform's
// dispatch failing or timing out never blocks or aborts the others. Results
// are fire-and-forget; they re-enter the system only via the webhook.
func (s *SyncService) StartSync(ctx context.Context, scope string) (*SyncReport, error) {
	buckets, dropped, err := s.CollectRecent(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		Launched: make(map[Platform]string, len(buckets)),
		Counts:   make(map[Platform]int, len(buckets)),
		Dropped:  dropped,
	}
	if dropped > 0 {
		s.ring.Appendf("sync: %d recent posts matched no platform, skipped", dropped)
	}
	if len(buckets) == 0 {
		s.ring.Append("sync: no recent posts to refresh")
		return report, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for platform, urls := range buckets {
		report.Counts[platform] = len(urls)
		wg.Add(1)
		go func(platform Platform, urls []string) {
			defer wg.Done()
			status := s.dispatch(ctx, platform, urls, scope)
			mu.Lock()
			report.Launched[platform] = status
			mu.Unlock()
		}(platform, urls)
	}
	wg.Wait()

	return report, nil
}

// dispatch submits one platform's scrape job and reduces the outcome to a
// status string. Never returns an error: upstream failures degrade to a
// logged per-platform failure marker.
func (s *SyncService) dispatch(ctx context.Context, platform Platform, urls []string, scope string) string {
	actorID, ok := s.actors[platform]
	if !ok || actorID == "" {
		s.logger.Warn("no actor configured, skipping platform", "platform", platform)
		return "skipped"
	}

	input := BuildRunInput(platform, urls)
	runID, err := s.runner.StartRun(ctx, actorID, input, Webhook{Platform: platform, Team: scope})
	if err != nil {
		s.logger.Error("dispatch failed", "platform", platform, "urls", len(urls), "error", err)
		s.ring.Appendf("sync: %s dispatch failed: %v", platform, err)
		return fmt.Sprintf("failed: %v", err)
	}

	s.logger.Info("dispatched scrape run", "platform", platform, "urls", len(urls), "run_id", runID)
	s.ring.Appendf("sync: dispatched %d %s urls, run %s", len(urls), platform, runID)
	return "started: " + runID
}

// BuildRunInput shapes the actor input payload for one platform. Each shape
// is an external contract of the corresponding scraper and must be
// reproduced exactly.
func BuildRunInput(platform Platform, urls []string) any {
	switch platform {
	case PlatformTikTok:
		return map[string]any{
			"postURLs":             urls,
			"resultsPerPage":       len(urls),
			"shouldDownloadVideos": false,
			"shouldDownloadCovers": false,
		}
	case PlatformInstagram:
		// The actor's field is named for usernames but accepts full post
		// URLs; upstream quirk, keep as is.
		return map[string]any{
			"resultsLimit":    len(urls),
			"skipPinnedPosts": false,
			"username":        urls,
		}
	case PlatformVK:
		ids := make([]string, 0, len(urls))
		for _, u := range urls {
			if id := ExtractIdentifier(u); id != "" && id != u {
				ids = append(ids, id)
			}
		}
		return map[string]any{
			"query":             ids,
			"search_mode":       "video",
			"limit":             len(ids),
			"hd":                false,
			"is_online":         false,
			"with_photo":        false,
			"dev_dataset_clear": false,
			"dev_no_strip":      false,
		}
	default:
		startURLs := make([]map[string]string, 0, len(urls))
		for _, u := range urls {
			startURLs = append(startURLs, map[string]string{"url": u})
		}
		return map[string]any{
			"startUrls":  startURLs,
			"maxResults": len(urls),
		}
	}
}

// ReconcileReport summarizes one webhook-driven reconciliation.
type ReconcileReport struct {
	Total   int `json:"total"`
	Matched int `json:"matched"`
	Skipped int `json:"skipped"`
}

// Reconcile fetches the result set delivered for datasetID and applies its
// engagement counters onto matching stored rows. Matching is content-derived:
// each item's URL reduces to an identifier joined against identifiers of
// stored posts. Items with no match are counted and skipped, never an error.
// Re-delivering the same dataset reapplies identical values, so the operation
// is idempotent.
func (s *SyncService) Reconcile(ctx context.Context, datasetID string, platform Platform) (*ReconcileReport, error) {
	byIdentifier, err := s.joinMap(ctx, platform)
	if err != nil {
		return nil, err
	}

	items, err := s.runner.DatasetItems(ctx, datasetID)
	if err != nil {
		s.ring.Appendf("reconcile: dataset %s fetch failed: %v", datasetID, err)
		return nil, fmt.Errorf("fetch dataset %s: %w", datasetID, err)
	}

	report := &ReconcileReport{Total: len(items)}
	for _, item := range items {
		itemURL := probeURL(item)
		if itemURL == "" {
			report.Skipped++
			continue
		}
		postID, ok := byIdentifier[ExtractIdentifier(itemURL)]
		if !ok {
			s.logger.Debug("result item matched no stored post", "platform", platform, "url", itemURL)
			report.Skipped++
			continue
		}
		likes := probeLikes(item)
		views := probeViews(item)
		if err := s.posts.UpdateMetrics(ctx, postID, likes, views); err != nil {
			s.logger.Error("metrics update failed", "post_id", postID, "error", err)
			report.Skipped++
			continue
		}
		report.Matched++
	}

	s.ring.Appendf("reconcile: %s dataset %s, %d of %d items matched", platform, datasetID, report.Matched, report.Total)
	return report, nil
}

// joinMap builds identifier -> row id over all stored posts. The map is
// scoped to rows classifying to the dispatched platform, plus rows
// classifying to no platform at all (those join by exact URL only), so an
// identifier colliding across platforms cannot cross-contaminate updates.
// Duplicate identifiers resolve last-write-wins.
func (s *SyncService) joinMap(ctx context.Context, platform Platform) (map[string]int64, error) {
	records, err := s.posts.AllPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stored posts: %w", err)
	}

	byIdentifier := make(map[string]int64, len(records))
	for _, rec := range records {
		if rec.PostURL == "" {
			continue
		}
		if p, ok := ClassifyURL(rec.PostURL); ok && p != platform {
			continue
		}
		byIdentifier[ExtractIdentifier(rec.PostURL)] = rec.ID
	}
	return byIdentifier, nil
}

// probeURL derives a result item's URL. Scraper schemas differ, so an
// ordered list of field names is probed; first non-empty string wins.
func probeURL(item ResultItem) string {
	for _, key := range []string{"url", "direct_url", "webVideoUrl", "inputUrl", "player"} {
		if v, ok := item[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// probeLikes extracts the likes counter: a nested {count} object first, then
// a flat likes number, then likesCount, then diggCount, defaulting to 0.
func probeLikes(item ResultItem) uint64 {
	if nested, ok := item["likes"].(map[string]any); ok {
		return asCount(nested["count"])
	}
	for _, key := range []string{"likes", "likesCount", "diggCount"} {
		if v, ok := item[key]; ok && v != nil {
			return asCount(v)
		}
	}
	return 0
}

// probeViews extracts the views counter across the known scraper schemas.
func probeViews(item ResultItem) uint64 {
	for _, key := range []string{"views", "videoPlayCount", "viewCount", "playCount"} {
		if v, ok := item[key]; ok && v != nil {
			return asCount(v)
		}
	}
	return 0
}

// asCount coerces the numeric shapes scrapers emit (JSON numbers, integers,
// numeric strings) to a counter. Anything else, including negatives, is 0.
func asCount(v any) uint64 {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case int64:
		if n < 0 {
			return 0
		}
		return uint64(n)
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	}
	return 0
}
