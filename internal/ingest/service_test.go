package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-sound-tracker/internal/id/uuid"
	"github.com/JakeFAU/realtime-sound-tracker/internal/lifecycle"
	"github.com/JakeFAU/realtime-sound-tracker/internal/provider"
	"github.com/JakeFAU/realtime-sound-tracker/internal/resolver"
	"github.com/JakeFAU/realtime-sound-tracker/internal/storage/memory"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type countingStore struct {
	*memory.ItemStore
	upserts atomic.Int32
}

func (s *countingStore) UpsertItem(ctx context.Context, item tracker.TrackedItem) (tracker.TrackedItem, bool, error) {
	s.upserts.Add(1)
	return s.ItemStore.UpsertItem(ctx, item)
}

type fakeProvider struct {
	video    provider.VideoInfo
	sound    provider.SoundInfo
	post     provider.PostInfo
	postErr  error
	clips    []provider.Clip
	clipsErr error
}

func (f *fakeProvider) LookupVideo(context.Context, tracker.Platform, string) (provider.VideoInfo, error) {
	return f.video, nil
}

func (f *fakeProvider) LookupSound(context.Context, tracker.Platform, string) (provider.SoundInfo, error) {
	return f.sound, nil
}

func (f *fakeProvider) FetchPost(context.Context, tracker.Platform, string) (provider.PostInfo, error) {
	return f.post, f.postErr
}

func (f *fakeProvider) ListSoundClips(context.Context, tracker.Platform, string, int) ([]provider.Clip, error) {
	return f.clips, f.clipsErr
}

type fakeDispatcher struct {
	calls atomic.Int32
}

func (d *fakeDispatcher) Dispatch(_ context.Context, item tracker.TrackedItem) (tracker.TrackedItem, provider.Run, error) {
	d.calls.Add(1)
	return item, provider.Run{Handle: "run-1", Status: provider.RunQueued}, nil
}

type harness struct {
	svc        *Service
	store      *countingStore
	provider   *fakeProvider
	dispatcher *fakeDispatcher
}

func newHarness() *harness {
	store := &countingStore{ItemStore: memory.NewItemStore()}
	prov := &fakeProvider{}
	disp := &fakeDispatcher{}
	mgr := lifecycle.New(store, nil, nil, nil)
	res := resolver.New(prov, store, uuid.NewUUIDGenerator(), nil, nil)
	svc := NewService(store, res, mgr, prov, disp, nil, Config{}, nil)
	return &harness{svc: svc, store: store, provider: prov, dispatcher: disp}
}

func TestSubmitYouTubeSoundIsUnsupported(t *testing.T) {
	t.Parallel()
	h := newHarness()
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		URL:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Kind: tracker.KindSound,
	})
	require.ErrorIs(t, err, tracker.ErrUnsupportedPlatform)
	require.Zero(t, h.store.upserts.Load())
	require.NotEmpty(t, res.Trace)
}

func TestSubmitPostScrapesInline(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.provider.post = provider.PostInfo{
		PostID:      "7301",
		OwnerHandle: "creator",
		Region:      "US",
		Metrics:     tracker.Metrics{Views: 1000, Likes: 100, EngagementRate: 10},
	}

	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		URL:        "https://www.tiktok.com/@creator/video/7301",
		CampaignID: "camp-9",
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, tracker.KindPost, res.Item.Kind)
	require.Equal(t, tracker.StatusScraped, res.Item.Status)
	require.Equal(t, int64(1000), res.Item.Metrics.Views)
	require.Equal(t, "creator", res.Item.OwnerHandle)
	require.Equal(t, "camp-9", res.Item.CampaignID)
	require.Len(t, res.Item.Geo, 1)
	require.NotNil(t, res.Item.LastScrapedAt)
}

func TestSubmitPostScrapeFailure(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.provider.postErr = fmt.Errorf("fetch_post: %w", tracker.ErrUpstreamUnavailable)

	res, err := h.svc.Submit(context.Background(), SubmitRequest{URL: "https://x.com/someone/status/1790000000000000000"})
	require.ErrorIs(t, err, tracker.ErrUpstreamUnavailable)
	require.Equal(t, tracker.StatusFailed, res.Item.Status)

	stored, err := h.svc.Get(context.Background(), res.Item.ID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusFailed, stored.Status, "a failed scrape never leaves the item in flight")
}

func TestSubmitInstagramSoundIndexesInline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	h.provider.sound = provider.SoundInfo{SoundID: "99", Title: "Original audio", Artist: "someone"}
	h.provider.clips = []provider.Clip{
		{ExternalID: "a", Views: 100, Likes: 10, Region: "US"},
		{ExternalID: "b", Views: 300, Likes: 30, Region: "BR"},
	}

	res, err := h.svc.Submit(ctx, SubmitRequest{URL: "https://www.instagram.com/reels/audio/99/", Kind: tracker.KindSound})
	require.NoError(t, err)
	require.Equal(t, tracker.StatusActive, res.Item.Status)
	require.Equal(t, 2, res.Item.Metrics.ChildCount)
	require.Equal(t, int64(400), res.Item.Metrics.Views)
	require.Zero(t, h.dispatcher.calls.Load())

	children, err := h.svc.Children(ctx, res.Item.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestSubmitTikTokSoundDispatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	h.provider.sound = provider.SoundInfo{Title: "Espresso", Artist: "Sabrina Carpenter"}

	res, err := h.svc.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/music/Espresso-7212345678901234567"})
	require.NoError(t, err)
	require.Equal(t, tracker.KindSound, res.Item.Kind)
	require.Equal(t, tracker.StatusIndexing, res.Item.Status)
	require.Equal(t, int32(1), h.dispatcher.calls.Load())

	_, err = h.svc.Rescrape(ctx, res.Item.ID)
	require.ErrorIs(t, err, tracker.ErrJobAlreadyInFlight)

	again, err := h.svc.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/music/Espresso-7212345678901234567"})
	require.ErrorIs(t, err, tracker.ErrJobAlreadyInFlight)
	require.False(t, again.Created)
	require.Equal(t, res.Item.ID, again.Item.ID)
	require.Equal(t, int32(1), h.dispatcher.calls.Load())

	_, err = h.svc.Reset(ctx, res.Item.ID)
	require.ErrorIs(t, err, tracker.ErrPreconditionFailed, "a fresh run is not stale")
}

type blockingDispatcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, item tracker.TrackedItem) (tracker.TrackedItem, provider.Run, error) {
	d.calls.Add(1)
	select {
	case <-d.release:
	case <-ctx.Done():
		return item, provider.Run{}, ctx.Err()
	}
	return item, provider.Run{Handle: "run-1", Status: provider.RunQueued}, nil
}

func TestConcurrentSubmitSameURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &countingStore{ItemStore: memory.NewItemStore()}
	prov := &fakeProvider{sound: provider.SoundInfo{Title: "Espresso", Artist: "Sabrina Carpenter"}}
	disp := &blockingDispatcher{release: make(chan struct{})}
	mgr := lifecycle.New(store, nil, nil, nil)
	res := resolver.New(prov, store, uuid.NewUUIDGenerator(), nil, nil)
	svc := NewService(store, res, mgr, prov, disp, nil, Config{}, nil)

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := svc.Submit(ctx, SubmitRequest{URL: "https://www.tiktok.com/music/Espresso-7212345678901234567"})
			results <- outcome{res: r, err: err}
		}()
	}

	loser := <-results
	require.ErrorIs(t, loser.err, tracker.ErrJobAlreadyInFlight)
	close(disp.release)
	winner := <-results
	require.NoError(t, winner.err)
	require.Equal(t, tracker.StatusIndexing, winner.res.Item.Status)

	require.Equal(t, winner.res.Item.ID, loser.res.Item.ID, "both callers land on one row")
	require.True(t, winner.res.Created != loser.res.Created, "exactly one caller creates the row")
	require.Equal(t, int32(1), disp.calls.Load())
}

func TestRescrapeFromTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	h.provider.post = provider.PostInfo{Metrics: tracker.Metrics{Views: 10}}
	res, err := h.svc.Submit(ctx, SubmitRequest{URL: "https://www.youtube.com/shorts/abcdefghijk"})
	require.NoError(t, err)
	require.Equal(t, tracker.StatusScraped, res.Item.Status)

	h.provider.post = provider.PostInfo{Metrics: tracker.Metrics{Views: 20}}
	again, err := h.svc.Rescrape(ctx, res.Item.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), again.Item.Metrics.Views)

	_, err = h.svc.Rescrape(ctx, "missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestSubmitManualMetrics(t *testing.T) {
	t.Parallel()
	h := newHarness()
	res, err := h.svc.Submit(context.Background(), SubmitRequest{
		URL:           "https://www.facebook.com/watch/videos/123456789",
		Kind:          tracker.KindPost,
		ManualMetrics: &tracker.Metrics{Views: 5000, Likes: 50},
	})
	require.NoError(t, err)
	require.Equal(t, tracker.StatusManual, res.Item.Status)
	require.Equal(t, int64(5000), res.Item.Metrics.Views)

	_, err = h.svc.Submit(context.Background(), SubmitRequest{
		URL:           "https://www.tiktok.com/music/x-1",
		Kind:          tracker.KindSound,
		ManualMetrics: &tracker.Metrics{},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	_, err := h.svc.Submit(context.Background(), SubmitRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.Submit(context.Background(), SubmitRequest{URL: "https://tiktok.com/x", Kind: "story"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResetStaleItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewItemStore()
	item, _, err := store.UpsertItem(ctx, tracker.TrackedItem{
		ID: "s", Kind: tracker.KindSound, Platform: tracker.PlatformTikTok, CanonicalKey: "1",
	})
	require.NoError(t, err)
	old := time.Now().UTC().Add(-time.Hour)
	_, err = store.Transition(ctx, item.ID, tracker.Guard{}, tracker.StatusIndexing, tracker.Change{At: old})
	require.NoError(t, err)

	svc := NewService(store, nil, lifecycle.New(store, nil, nil, nil), nil, nil, nil, Config{}, nil)
	reset, err := svc.Reset(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, tracker.StatusPending, reset.Status)
}
