package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://API.Example.com/path", "api.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveUpstreamCounts(t *testing.T) {
	before := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("lookup_video", "ok"))
	ObserveUpstream("lookup_video", "ok")
	after := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("lookup_video", "ok"))
	require.InDelta(t, 1, after-before, 0.0001)

	beforeRetry := testutil.ToFloat64(upstreamRetriesTotal.WithLabelValues("lookup_video"))
	ObserveRetry("lookup_video")
	require.InDelta(t, 1, testutil.ToFloat64(upstreamRetriesTotal.WithLabelValues("lookup_video"))-beforeRetry, 0.0001)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/abc", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))-before, 0.0001)
}

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "tracker-test", "dev")
	require.NoError(t, err)
	require.NotNil(t, tp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tp.Shutdown(ctx))
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://tiktok.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
