package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/config"
	memorypublisher "github.com/JakeFAU/realtime-sound-tracker/internal/publisher/memory"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
	"github.com/JakeFAU/realtime-sound-tracker/internal/webhook"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tiktok/sounds/7123456789", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"title":"Song Name","authorName":"Some Artist"}`))
	})
	mux.HandleFunc("POST /v2/acts/music-indexer/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"run-1","status":"RUNNING"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(base string) config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeout: 10 * time.Second},
		Logging: config.LoggingConfig{Development: true},
		Retry:   config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Timeout: 5 * time.Second},
		Providers: config.ProvidersConfig{
			BaseURL: base,
			RPS:     100,
			Burst:   100,
		},
		Orchestrator: config.OrchestratorConfig{
			BaseURL:    base,
			Actors:     map[string]string{"tiktok": "music-indexer"},
			MaxItems:   100,
			WebhookURL: "https://tracker.example.com/v1/webhooks/orchestrator",
		},
		Webhook:   config.WebhookConfig{Secret: "s3cret", ReplayTTL: time.Hour, Archive: true},
		Storage:   config.StorageConfig{Backend: config.BackendMemory},
		Publisher: config.PublisherConfig{Backend: config.BackendMemory, Topic: "item-events"},
		Platforms: config.PlatformsConfig{Async: []string{"tiktok"}, ClipLimit: 100, StaleAfter: 10 * time.Minute},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSoundIndexedThroughWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := upstream(t)
	cfg := testConfig(srv.URL)
	app, err := BuildWithLogger(ctx, &cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	h := app.Handler()

	rec := do(t, h, http.MethodPost, "/v1/items",
		[]byte(`{"url":"https://www.tiktok.com/music/Song-Name-7123456789","kind":"sound"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted struct {
		ID     string         `json:"tracked_item_id"`
		Status tracker.Status `json:"status"`
		Item   tracker.TrackedItem
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Equal(t, tracker.StatusIndexing, submitted.Status)
	require.Equal(t, "run-1", submitted.Item.RunHandle)
	require.Equal(t, "Song Name", submitted.Item.Title)

	items := make([]map[string]any, 0, 3)
	for i, region := range []string{"US", "US", "GB"} {
		items = append(items, map[string]any{
			"id":              fmt.Sprintf("73000%d", i),
			"playCount":       1000,
			"diggCount":       100,
			"locationCreated": region,
		})
	}
	payload, err := json.Marshal(map[string]any{"runId": "run-1", "status": "SUCCEEDED", "items": items})
	require.NoError(t, err)

	unsigned := do(t, h, http.MethodPost, "/v1/webhooks/orchestrator", payload, nil)
	require.Equal(t, http.StatusUnauthorized, unsigned.Code)

	signed := http.Header{webhook.SignatureHeader: []string{webhook.Sign([]byte("s3cret"), payload)}}
	rec = do(t, h, http.MethodPost, "/v1/webhooks/orchestrator", payload, signed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"outcome":"completed"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/webhooks/orchestrator", payload, signed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"outcome":"duplicate"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/items/"+submitted.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item tracker.TrackedItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	require.Equal(t, tracker.StatusActive, item.Status)
	require.Equal(t, 3, item.Metrics.ChildCount)
	require.Equal(t, int64(3000), item.Metrics.Views)

	rec = do(t, h, http.MethodGet, "/v1/items/"+submitted.ID+"/children", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var children struct {
		Children []tracker.ChildObservation `json:"children"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &children))
	require.Len(t, children.Children, 3)

	require.NoError(t, app.Close(ctx))

	pub, ok := app.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "item-events", msgs[0].Topic)
	require.Contains(t, string(msgs[0].Data), `"status":"active"`)

	rec = do(t, h, http.MethodGet, "/v1/items/"+submitted.ID+"/transitions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"to":"active"`)
}

func TestUnsupportedSoundCreatesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig("http://127.0.0.1:1")
	app, err := BuildWithLogger(ctx, &cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	rec := do(t, app.Handler(), http.MethodPost, "/v1/items",
		[]byte(`{"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","kind":"sound"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported platform")
}

func TestBuildFailsOnBadBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Storage = config.StorageConfig{Backend: config.BackendLocal}
	_, err := BuildWithLogger(ctx, &cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestNewAppRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewApp(nil, nil)
	require.Error(t, err)
}
