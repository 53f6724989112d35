package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zybastuk/miniapp-metrics/internal/oplog"
)

type fakePostRepo struct {
	mu    sync.Mutex
	posts []PostRecord
	fail  error
}

func (f *fakePostRepo) InsertPosts(_ context.Context, _ int64, _ string, _ []NewPost) (int, error) {
	return 0, errors.New("not used")
}

func (f *fakePostRepo) PostsSince(_ context.Context, since time.Time) ([]PostRecord, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	var out []PostRecord
	for _, p := range f.posts {
		if !p.AddedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePostRepo) AllPosts(_ context.Context) ([]PostRecord, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]PostRecord, len(f.posts))
	copy(out, f.posts)
	return out, nil
}

func (f *fakePostRepo) UpdateMetrics(_ context.Context, postID int64, likes, views uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.posts {
		if f.posts[i].ID == postID {
			f.posts[i].Likes = likes
			f.posts[i].Views = views
			return nil
		}
	}
	return fmt.Errorf("post %d not found", postID)
}

func (f *fakePostRepo) byID(id int64) PostRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.posts {
		if p.ID == id {
			return p
		}
	}
	return PostRecord{}
}

type startedRun struct {
	actorID string
	input   any
	hook    Webhook
}

type fakeRunner struct {
	mu       sync.Mutex
	started  []startedRun
	failFor  map[string]error // actor id -> error
	datasets map[string][]ResultItem
	fetchErr error
}

func (f *fakeRunner) StartRun(_ context.Context, actorID string, input any, hook Webhook) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[actorID]; err != nil {
		return "", err
	}
	f.started = append(f.started, startedRun{actorID: actorID, input: input, hook: hook})
	return fmt.Sprintf("run-%d", len(f.started)), nil
}

func (f *fakeRunner) DatasetItems(_ context.Context, datasetID string) ([]ResultItem, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.datasets[datasetID], nil
}

func newTestService(posts *fakePostRepo, runner *fakeRunner, actors map[Platform]string) *SyncService {
	logger := slog.New(slog.DiscardHandler)
	return NewSyncService(posts, runner, oplog.NewRing(30), SyncConfig{Actors: actors}, logger)
}

func post(id int64, url string, addedAt time.Time) PostRecord {
	return PostRecord{ID: id, PostURL: url, AddedAt: addedAt}
}

func TestCollectRecentWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.instagram.com/p/AAA/", now.Add(-24*time.Hour)),
		post(2, "https://www.instagram.com/p/BBB/", now.Add(-6*24*time.Hour)),
		post(3, "https://www.instagram.com/p/CCC/", now.Add(-8*24*time.Hour)),
	}}
	svc := newTestService(repo, &fakeRunner{}, nil)
	svc.now = func() time.Time { return now }

	buckets, dropped, err := svc.CollectRecent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, buckets, 1)
	assert.ElementsMatch(t,
		[]string{"https://www.instagram.com/p/AAA/", "https://www.instagram.com/p/BBB/"},
		buckets[PlatformInstagram],
	)
}

func TestCollectRecentPartitioning(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.instagram.com/p/AAA/", now),
		post(2, "https://www.instagram.com/reel/BBB/", now),
		post(3, "https://www.tiktok.com/@u/video/7123456789", now),
		post(4, "https://example.com/one", now),
		post(5, "https://example.com/two", now),
	}}
	svc := newTestService(repo, &fakeRunner{}, nil)

	buckets, dropped, err := svc.CollectRecent(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, dropped)
	require.Len(t, buckets, 2)
	assert.Len(t, buckets[PlatformInstagram], 2)
	assert.Len(t, buckets[PlatformTikTok], 1)
}

func TestCollectRecentDeduplicatesExactURLs(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.instagram.com/p/AAA/", now),
		post(2, "https://www.instagram.com/p/AAA/", now),
	}}
	svc := newTestService(repo, &fakeRunner{}, nil)

	buckets, _, err := svc.CollectRecent(context.Background())
	require.NoError(t, err)
	assert.Len(t, buckets[PlatformInstagram], 1)
}

func TestBuildRunInputTikTok(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://www.tiktok.com/@a/video/1",
		"https://www.tiktok.com/@b/video/2",
		"https://www.tiktok.com/@c/video/3",
	}
	input, ok := BuildRunInput(PlatformTikTok, urls).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, urls, input["postURLs"])
	assert.Equal(t, 3, input["resultsPerPage"])
	assert.Equal(t, false, input["shouldDownloadVideos"])
	assert.Equal(t, false, input["shouldDownloadCovers"])
}

func TestBuildRunInputInstagramQuirk(t *testing.T) {
	t.Parallel()

	urls := []string{"https://www.instagram.com/p/AAA/"}
	input, ok := BuildRunInput(PlatformInstagram, urls).(map[string]any)
	require.True(t, ok)

	// The username field carries full post URLs; this is the actor's
	// contract, not a mistake.
	assert.Equal(t, urls, input["username"])
	assert.Equal(t, 1, input["resultsLimit"])
}

func TestBuildRunInputVKExtractsIDs(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://vk.com/clip-123_456",
		"https://vk.com/video42_100",
		"https://vk.com/somepage", // no id, dropped
	}
	input, ok := BuildRunInput(PlatformVK, urls).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, []string{"-123_456", "42_100"}, input["query"])
	assert.Equal(t, 2, input["limit"])
	assert.Equal(t, "video", input["search_mode"])
}

func TestBuildRunInputYouTubeDefault(t *testing.T) {
	t.Parallel()

	urls := []string{"https://youtu.be/dQw4w9WgXcQ"}
	input, ok := BuildRunInput(PlatformYouTube, urls).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, []map[string]string{{"url": "https://youtu.be/dQw4w9WgXcQ"}}, input["startUrls"])
	assert.Equal(t, 1, input["maxResults"])
}

func TestStartSyncIsolatesPlatformFailures(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.instagram.com/p/AAA/", now),
		post(2, "https://www.tiktok.com/@u/video/7123456789", now),
	}}
	runner := &fakeRunner{failFor: map[string]error{
		"ig-actor": errors.New("upstream said no"),
	}}
	svc := newTestService(repo, runner, map[Platform]string{
		PlatformInstagram: "ig-actor",
		PlatformTikTok:    "tt-actor",
	})

	report, err := svc.StartSync(context.Background(), "all")
	require.NoError(t, err)

	assert.Contains(t, report.Launched[PlatformInstagram], "failed")
	assert.Contains(t, report.Launched[PlatformTikTok], "started")
	require.Len(t, runner.started, 1)
	assert.Equal(t, "tt-actor", runner.started[0].actorID)
	assert.Equal(t, Webhook{Platform: PlatformTikTok, Team: "all"}, runner.started[0].hook)
}

func TestStartSyncSkipsUnknownActor(t *testing.T) {
	t.Parallel()

	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://vk.com/clip-1_2", time.Now()),
	}}
	runner := &fakeRunner{}
	svc := newTestService(repo, runner, map[Platform]string{})

	report, err := svc.StartSync(context.Background(), "all")
	require.NoError(t, err)

	assert.Equal(t, "skipped", report.Launched[PlatformVK])
	assert.Empty(t, runner.started)
}

func TestStartSyncEmpty(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakePostRepo{}, &fakeRunner{}, nil)

	report, err := svc.StartSync(context.Background(), "all")
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestReconcileUpdatesMatchedRows(t *testing.T) {
	t.Parallel()

	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.tiktok.com/@u/video/7123456789", time.Now()),
		post(2, "https://www.tiktok.com/@u/video/7000000000", time.Now()),
	}}
	runner := &fakeRunner{datasets: map[string][]ResultItem{
		"ds-1": {
			{"webVideoUrl": "https://www.tiktok.com/@u/video/7123456789", "diggCount": float64(7), "playCount": float64(900)},
			{"webVideoUrl": "https://www.tiktok.com/@u/video/9999999999", "diggCount": float64(1)},
		},
	}}
	svc := newTestService(repo, runner, nil)

	report, err := svc.Reconcile(context.Background(), "ds-1", PlatformTikTok)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Skipped)

	updated := repo.byID(1)
	assert.Equal(t, uint64(7), updated.Likes)
	assert.Equal(t, uint64(900), updated.Views)

	untouched := repo.byID(2)
	assert.Zero(t, untouched.Likes)
	assert.Zero(t, untouched.Views)
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()

	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.instagram.com/p/ABC123/", time.Now()),
	}}
	runner := &fakeRunner{datasets: map[string][]ResultItem{
		"ds-1": {
			{"url": "https://instagram.com/p/ABC123", "likesCount": float64(42), "videoPlayCount": float64(1000)},
		},
	}}
	svc := newTestService(repo, runner, nil)

	_, err := svc.Reconcile(context.Background(), "ds-1", PlatformInstagram)
	require.NoError(t, err)
	once := repo.byID(1)

	_, err = svc.Reconcile(context.Background(), "ds-1", PlatformInstagram)
	require.NoError(t, err)
	twice := repo.byID(1)

	assert.Equal(t, once.Likes, twice.Likes)
	assert.Equal(t, once.Views, twice.Views)
	assert.Equal(t, uint64(42), twice.Likes)
	assert.Equal(t, uint64(1000), twice.Views)
}

func TestReconcileScopesJoinMapByPlatform(t *testing.T) {
	t.Parallel()

	// Both rows reduce to the identifier "71234567890", but only the TikTok
	// row may be updated by a TikTok dataset. The YouTube row comes second,
	// so without platform scoping it would win the join map.
	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.tiktok.com/@u/video/71234567890", time.Now()),
		post(2, "https://youtu.be/71234567890", time.Now()),
	}}
	runner := &fakeRunner{datasets: map[string][]ResultItem{
		"ds-1": {
			{"webVideoUrl": "https://www.tiktok.com/@u/video/71234567890", "diggCount": float64(3)},
		},
	}}
	svc := newTestService(repo, runner, nil)

	report, err := svc.Reconcile(context.Background(), "ds-1", PlatformTikTok)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, uint64(3), repo.byID(1).Likes)
	assert.Zero(t, repo.byID(2).Likes)
}

func TestReconcileFetchFailureAborts(t *testing.T) {
	t.Parallel()

	repo := &fakePostRepo{posts: []PostRecord{
		post(1, "https://www.tiktok.com/@u/video/1", time.Now()),
	}}
	runner := &fakeRunner{fetchErr: errors.New("dataset gone")}
	svc := newTestService(repo, runner, nil)

	_, err := svc.Reconcile(context.Background(), "ds-1", PlatformTikTok)
	require.Error(t, err)
	assert.Zero(t, repo.byID(1).Likes)
}

func TestProbeLikes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item ResultItem
		want uint64
	}{
		{"nested count object", ResultItem{"likes": map[string]any{"count": float64(42)}}, 42},
		{"flat likes number", ResultItem{"likes": float64(12)}, 12},
		{"likesCount", ResultItem{"likesCount": float64(5)}, 5},
		{"diggCount fallback", ResultItem{"diggCount": float64(7)}, 7},
		{"none of the fields", ResultItem{"comments": float64(3)}, 0},
		{"null likes falls through", ResultItem{"likes": nil, "likesCount": float64(9)}, 9},
		{"negative clamps to zero", ResultItem{"likesCount": float64(-4)}, 0},
		{"numeric string", ResultItem{"likesCount": "17"}, 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, probeLikes(tt.item))
		})
	}
}

func TestProbeViews(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(100), probeViews(ResultItem{"views": float64(100)}))
	assert.Equal(t, uint64(200), probeViews(ResultItem{"videoPlayCount": float64(200)}))
	assert.Equal(t, uint64(300), probeViews(ResultItem{"viewCount": float64(300)}))
	assert.Equal(t, uint64(400), probeViews(ResultItem{"playCount": float64(400)}))
	assert.Zero(t, probeViews(ResultItem{}))
}

func TestProbeURLOrder(t *testing.T) {
	t.Parallel()

	item := ResultItem{
		"inputUrl": "https://example.com/input",
		"url":      "https://example.com/primary",
	}
	assert.Equal(t, "https://example.com/primary", probeURL(item))
	assert.Equal(t, "", probeURL(ResultItem{"title": "no url"}))
}
