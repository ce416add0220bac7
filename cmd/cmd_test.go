package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/config"
	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/poller"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type scriptedSource struct {
	mu    sync.Mutex
	calls map[string]int
	// statuses are returned in order per item; the last one repeats.
	statuses map[string][]tracker.Status
}

func (s *scriptedSource) Get(_ context.Context, id string) (tracker.TrackedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.statuses[id]
	n := s.calls[id]
	s.calls[id]++
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return tracker.TrackedItem{ID: id, Status: seq[n], UpdatedAt: time.Now()}, nil
}

func (s *scriptedSource) Reset(_ context.Context, id string) (tracker.TrackedItem, error) {
	return tracker.TrackedItem{ID: id, Status: tracker.StatusPending}, nil
}

func TestWatchUntilSettled(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{
		calls: map[string]int{},
		statuses: map[string][]tracker.Status{
			"a": {tracker.StatusIndexing, tracker.StatusActive},
			"b": {tracker.StatusScraped},
		},
	}
	var out bytes.Buffer
	cfg := poller.Config{ActiveInterval: time.Millisecond, RecentInterval: time.Millisecond, IdleInterval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, watch(ctx, src, []string{"a", "b"}, cfg, true, &out, zap.NewNop()))
	require.NoError(t, ctx.Err())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	seen := map[string]tracker.Status{}
	for _, line := range lines {
		var item tracker.TrackedItem
		require.NoError(t, json.Unmarshal([]byte(line), &item))
		seen[item.ID] = item.Status
	}
	require.Equal(t, tracker.StatusActive, seen["a"])
	require.Equal(t, tracker.StatusScraped, seen["b"])
}

func TestSubmitPostsRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/items", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-API-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://www.tiktok.com/@u/video/123", body["url"])
		_, hasKind := body["kind"]
		require.False(t, hasKind)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"tracked_item_id":"item-1","status":"scraping"}`))
	}))
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Config{MaxAttempts: 1})
	res, raw, err := submit(context.Background(), client, srv.URL, "key", map[string]string{
		"url":  "https://www.tiktok.com/@u/video/123",
		"kind": "",
	})
	require.NoError(t, err)
	require.Equal(t, "item-1", res.ID)
	require.Equal(t, tracker.StatusScraping, res.Status)
	require.Contains(t, string(raw), "item-1")
}

func TestRootRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := configFrom(context.Background())
	require.Error(t, err)
}

func TestClientFlagsKeyFallback(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Auth: config.AuthConfig{APIKey: "from-config"}}
	require.Equal(t, "from-config", (&clientFlags{}).key(cfg))
	require.Equal(t, "flag", (&clientFlags{apiKey: "flag"}).key(cfg))
}

func TestPollerConfigMapsDurations(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Poller: config.PollerConfig{ActiveInterval: time.Second, StuckAfter: time.Minute}}
	pc := pollerConfig(cfg)
	require.Equal(t, time.Second, pc.ActiveInterval)
	require.Equal(t, time.Minute, pc.StuckAfter)
}
