package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

func newTestScraper(t *testing.T, handler http.HandlerFunc) *Scraper {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httpclient.New(httpclient.Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
	return NewScraper(client, ScraperConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
}

func TestLookupVideoWrappedShape(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tiktok/videos", r.URL.Path)
		require.Equal(t, "7300000000000000001", r.URL.Query().Get("id"))
		require.Equal(t, "k", r.Header.Get("X-API-Key"))
		_, _ = w.Write([]byte(`{"data":{"id":"7300000000000000001","music":{"id":"7212345678901234567","title":"Espresso","authorName":"Sabrina"},"author":{"uniqueId":"dancer"}}}`))
	})

	info, err := s.LookupVideo(context.Background(), tracker.PlatformTikTok, "7300000000000000001")
	require.NoError(t, err)
	require.Equal(t, "7212345678901234567", info.SoundID)
	require.Equal(t, "Espresso", info.SoundTitle)
	require.Equal(t, "Sabrina", info.SoundArtist)
	require.Equal(t, "dancer", info.OwnerHandle)
}

func TestLookupVideoBareLegacyShape(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "https://vm.tiktok.com/ZMabc/", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(`{"aweme_detail":{"aweme_id":"1","music":{"mid":"555","title":"orig","author":"someone"}}}`))
	})

	info, err := s.LookupVideo(context.Background(), tracker.PlatformTikTok, "https://vm.tiktok.com/ZMabc/")
	require.NoError(t, err)
	require.Equal(t, "555", info.SoundID)
	require.Equal(t, "1", info.VideoID)
}

func TestLookupVideoWithoutSoundIsUnresolvable(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"1"}}`))
	})
	_, err := s.LookupVideo(context.Background(), tracker.PlatformTikTok, "1")
	require.ErrorIs(t, err, tracker.ErrUnresolvableIdentifier)
}

func TestLookupVideoUpstreamDown(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := s.LookupVideo(context.Background(), tracker.PlatformTikTok, "1")
	require.ErrorIs(t, err, tracker.ErrUpstreamUnavailable)
}

func TestLookupSound(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/instagram/sounds/998877", r.URL.Path)
		_, _ = w.Write([]byte(`{"metadata":{"music_info":{"music_asset_info":{"audio_cluster_id":"998877","title":"Song","display_artist":"Band"}}}}`))
	})
	info, err := s.LookupSound(context.Background(), tracker.PlatformInstagram, "998877")
	require.NoError(t, err)
	require.Equal(t, SoundInfo{SoundID: "998877", Title: "Song", Artist: "Band"}, info)
}

func TestFetchPost(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/youtube/posts/dQw4w9WgXcQ", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"id":"dQw4w9WgXcQ","views":"1,000","likes":40,"comments":5,"shares":5,"ownerUsername":"rick"}}`))
	})
	info, err := s.FetchPost(context.Background(), tracker.PlatformYouTube, "dQw4w9WgXcQ")
	require.NoError(t, err)
	require.EqualValues(t, 1000, info.Metrics.Views)
	require.EqualValues(t, 40, info.Metrics.Likes)
	require.InDelta(t, 5.0, info.Metrics.EngagementRate, 1e-9)
	require.Equal(t, "rick", info.OwnerHandle)
}

func TestListSoundClips(t *testing.T) {
	t.Parallel()
	s := newTestScraper(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/instagram/sounds/42/clips", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"data":{"items":[{"code":"a","videoPlayCount":10},{"code":"b"},{"code":"c"}]}}`))
	})
	clips, err := s.ListSoundClips(context.Background(), tracker.PlatformInstagram, "42", 2)
	require.NoError(t, err)
	require.Len(t, clips, 2)
	require.EqualValues(t, 10, clips[0].Views)
}

func TestScraperRequiresBaseURL(t *testing.T) {
	t.Parallel()
	s := NewScraper(httpclient.New(httpclient.Config{}), ScraperConfig{}, nil)
	_, err := s.FetchPost(context.Background(), tracker.PlatformTwitter, "1")
	require.Error(t, err)
}
