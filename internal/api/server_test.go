package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/ingest"
	"github.com/JakeFAU/realtime-sound-tracker/internal/storage/memory"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
	"github.com/JakeFAU/realtime-sound-tracker/internal/webhook"
)

type fakeIngest struct {
	lastSubmit ingest.SubmitRequest
	result     ingest.Result
	item       tracker.TrackedItem
	children   []tracker.ChildObservation
	err        error
	panic      bool
}

func (f *fakeIngest) Submit(_ context.Context, req ingest.SubmitRequest) (ingest.Result, error) {
	if f.panic {
		panic("boom")
	}
	f.lastSubmit = req
	return f.result, f.err
}

func (f *fakeIngest) Rescrape(context.Context, string) (ingest.Result, error) {
	return f.result, f.err
}

func (f *fakeIngest) Get(_ context.Context, id string) (tracker.TrackedItem, error) {
	if f.err != nil {
		return tracker.TrackedItem{}, f.err
	}
	item := f.item
	item.ID = id
	return item, nil
}

func (f *fakeIngest) Reset(context.Context, string) (tracker.TrackedItem, error) {
	return f.item, f.err
}

func (f *fakeIngest) Children(context.Context, string) ([]tracker.ChildObservation, error) {
	return f.children, f.err
}

type fakeWebhooks struct {
	handled []webhook.Callback
	outcome webhook.Outcome
	err     error
}

func (f *fakeWebhooks) Parse(body []byte) (webhook.Callback, error) {
	return webhook.Parse(nil, body)
}

func (f *fakeWebhooks) Handle(_ context.Context, cb webhook.Callback) (webhook.Outcome, error) {
	f.handled = append(f.handled, cb)
	return f.outcome, f.err
}

func newTestServer(items *fakeIngest, hooks *fakeWebhooks, cfg Config) *Server {
	return NewServer(items, hooks, memory.NewTransitionStore(), cfg, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitItemSync(t *testing.T) {
	t.Parallel()
	items := &fakeIngest{result: ingest.Result{
		Item:    tracker.TrackedItem{ID: "item-1", Platform: tracker.PlatformTikTok, Kind: tracker.KindPost, Status: tracker.StatusScraped},
		Created: true,
		Trace:   tracker.Trace{{Step: "submit", At: time.Unix(0, 0)}},
	}}
	s := newTestServer(items, &fakeWebhooks{}, Config{})

	rec := do(t, s, http.MethodPost, "/v1/items",
		[]byte(`{"url":"https://www.tiktok.com/@a/video/1","campaign_id":"c1","manual_metrics":{"views":10,"likes":1}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body itemResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "item-1", body.TrackedItemID)
	require.Equal(t, tracker.StatusScraped, body.Status)
	require.Len(t, body.DebugTrace, 1)
	require.Equal(t, "c1", items.lastSubmit.CampaignID)
	require.NotNil(t, items.lastSubmit.ManualMetrics)
	require.InDelta(t, 10.0, items.lastSubmit.ManualMetrics.EngagementRate, 0.001)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitItemAsyncIsAccepted(t *testing.T) {
	t.Parallel()
	items := &fakeIngest{result: ingest.Result{Item: tracker.TrackedItem{ID: "s", Status: tracker.StatusIndexing}}}
	s := newTestServer(items, &fakeWebhooks{}, Config{})

	rec := do(t, s, http.MethodPost, "/v1/items", []byte(`{"url":"https://www.tiktok.com/music/x-7212345678901234567","kind":"sound"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, tracker.KindSound, items.lastSubmit.Kind)
}

func TestSubmitItemValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeIngest{}, &fakeWebhooks{}, Config{})
	cases := map[string]string{
		"invalid json":     `{"url":`,
		"missing url":      `{}`,
		"not a url":        `{"url":"tiktok"}`,
		"bad kind":         `{"url":"https://tiktok.com/@a/video/1","kind":"story"}`,
		"negative metrics": `{"url":"https://tiktok.com/@a/video/1","manual_metrics":{"views":-1}}`,
	}
	for name, payload := range cases {
		rec := do(t, s, http.MethodPost, "/v1/items", []byte(payload), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("classify: %w", tracker.ErrUnsupportedPlatform), http.StatusBadRequest},
		{fmt.Errorf("%w: bad kind", ingest.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("resolve: %w", tracker.ErrUnresolvableIdentifier), http.StatusUnprocessableEntity},
		{fmt.Errorf("lookup: %w", tracker.ErrUpstreamUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("begin: %w", tracker.ErrJobAlreadyInFlight), http.StatusConflict},
		{fmt.Errorf("%w: %w", tracker.ErrSubmissionFailed, tracker.ErrUpstreamUnavailable), http.StatusBadGateway},
		{fmt.Errorf("get: %w", tracker.ErrNotFound), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newTestServer(&fakeIngest{err: tc.err}, &fakeWebhooks{}, Config{})
		rec := do(t, s, http.MethodPost, "/v1/items", []byte(`{"url":"https://www.youtube.com/watch?v=abc"}`), nil)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.Error)
		if tc.status == http.StatusServiceUnavailable {
			require.True(t, body.Retryable)
			require.Equal(t, "30", rec.Header().Get("Retry-After"))
		}
	}
}

func TestItemRoutes(t *testing.T) {
	t.Parallel()
	items := &fakeIngest{
		item:     tracker.TrackedItem{Status: tracker.StatusActive},
		children: []tracker.ChildObservation{{ParentID: "abc", ExternalVideoID: "v1"}},
		result:   ingest.Result{Item: tracker.TrackedItem{ID: "abc", Status: tracker.StatusScraping}},
	}
	s := newTestServer(items, &fakeWebhooks{}, Config{})

	rec := do(t, s, http.MethodGet, "/v1/items/abc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item tracker.TrackedItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	require.Equal(t, "abc", item.ID)

	rec = do(t, s, http.MethodGet, "/v1/items/abc/children", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"v1"`)

	rec = do(t, s, http.MethodPost, "/v1/items/abc/scrape", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResetConflict(t *testing.T) {
	t.Parallel()
	items := &fakeIngest{
		item: tracker.TrackedItem{ID: "abc", Status: tracker.StatusIndexing},
		err:  fmt.Errorf("reset abc: %w", tracker.ErrPreconditionFailed),
	}
	s := newTestServer(items, &fakeWebhooks{}, Config{})
	rec := do(t, s, http.MethodPost, "/v1/items/abc/reset", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "indexing")
}

func TestAPIKey(t *testing.T) {
	t.Parallel()
	hooks := &fakeWebhooks{outcome: webhook.OutcomeUnmatched}
	s := newTestServer(&fakeIngest{item: tracker.TrackedItem{Status: tracker.StatusActive}}, hooks, Config{APIKey: "k", InsecureWebhooks: true})

	rec := do(t, s, http.MethodGet, "/v1/items/abc", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/items/abc", nil, http.Header{"X-Api-Key": {"k"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", []byte(`{"runId":"r"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, "webhooks authenticate by signature, not API key")
}

func TestWebhookSignature(t *testing.T) {
	t.Parallel()
	secret := []byte("shh")
	hooks := &fakeWebhooks{outcome: webhook.OutcomeCompleted}
	s := newTestServer(&fakeIngest{}, hooks, Config{WebhookSecret: secret})
	payload := []byte(`{"correlationHandle":"run-1","status":"SUCCEEDED","items":[]}`)

	rec := do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", payload, http.Header{webhook.SignatureHeader: {"sha256=00"}})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, hooks.handled)

	rec = do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", payload,
		http.Header{webhook.SignatureHeader: {webhook.Sign(secret, payload)}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"outcome":"completed"}`, rec.Body.String())
	require.Len(t, hooks.handled, 1)
	require.Equal(t, "run-1", hooks.handled[0].Handle)

	garbage := []byte("nope")
	rec = do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", garbage,
		http.Header{webhook.SignatureHeader: {webhook.Sign(secret, garbage)}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookWithoutSecretIsRejected(t *testing.T) {
	t.Parallel()
	hooks := &fakeWebhooks{outcome: webhook.OutcomeCompleted}
	s := newTestServer(&fakeIngest{}, hooks, Config{})
	rec := do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", []byte(`{"runId":"r","status":"succeeded"}`), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, hooks.handled)
}

func TestWebhookProcessingErrorAsksForRedelivery(t *testing.T) {
	t.Parallel()
	hooks := &fakeWebhooks{err: errors.New("db down")}
	s := newTestServer(&fakeIngest{}, hooks, Config{InsecureWebhooks: true})
	rec := do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", []byte(`{"runId":"r","status":"succeeded"}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"outcome":"error"}`, rec.Body.String())
}

func TestWebhookBodyLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeIngest{}, &fakeWebhooks{}, Config{MaxWebhookBytes: 8})
	rec := do(t, s, http.MethodPost, "/v1/webhooks/orchestrator", []byte(`{"runId":"0123456789"}`), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeIngest{}, &fakeWebhooks{}, Config{})
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil, nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", nil, nil).Code)
	metrics := do(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "tracker_http_requests_total")

	down := NewServer(&fakeIngest{}, &fakeWebhooks{}, nil, Config{}, nil, func(context.Context) error {
		return errors.New("pool closed")
	})
	require.Equal(t, http.StatusServiceUnavailable, do(t, down, http.MethodGet, "/readyz", nil, nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeIngest{panic: true}, &fakeWebhooks{}, Config{})
	rec := do(t, s, http.MethodPost, "/v1/items", []byte(`{"url":"https://x.com/a/status/1"}`), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTransitionsHistory(t *testing.T) {
	t.Parallel()
	store := memory.NewTransitionStore()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendTransitions(context.Background(), []tracker.TransitionRecord{
		{ItemID: "abc", From: tracker.StatusPending, To: tracker.StatusIndexing, At: at},
		{ItemID: "abc", From: tracker.StatusIndexing, To: tracker.StatusActive, At: at.Add(time.Minute)},
		{ItemID: "other", From: tracker.StatusPending, To: tracker.StatusScraping, At: at},
	}))
	s := NewServer(&fakeIngest{}, &fakeWebhooks{}, store, Config{}, nil)

	rec := do(t, s, http.MethodGet, "/v1/items/abc/transitions?limit=1&offset=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Transitions []tracker.TransitionRecord `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transitions, 1)
	require.Equal(t, tracker.StatusActive, body.Transitions[0].To)

	rec = do(t, s, http.MethodGet, "/v1/items/abc/transitions?limit=-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	noStore := NewServer(&fakeIngest{}, &fakeWebhooks{}, nil, Config{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, noStore, http.MethodGet, "/v1/items/abc/transitions", nil, nil).Code)
}
