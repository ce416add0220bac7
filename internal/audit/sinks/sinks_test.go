package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-sound-tracker/internal/storage/memory"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func lifecycleBatch() []tracker.TransitionRecord {
	return []tracker.TransitionRecord{
		{ItemID: "a", Component: "ingest", From: tracker.StatusPending, To: tracker.StatusIndexing, At: base},
		{ItemID: "b", Component: "ingest", From: tracker.StatusPending, To: tracker.StatusScraping, At: base},
		{ItemID: "a", Component: "webhook", From: tracker.StatusIndexing, To: tracker.StatusActive, At: base.Add(90 * time.Second)},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("webhook", "active")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.inFlight.WithLabelValues("indexing")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.inFlight.WithLabelValues("scraping")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runtime, "tracker_run_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestPrometheusSinkIgnoresDuplicateStarts(t *testing.T) {
	t.Parallel()
	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	start := tracker.TransitionRecord{ItemID: "a", From: tracker.StatusPending, To: tracker.StatusIndexing, At: base}
	require.NoError(t, sink.Consume(context.Background(), []tracker.TransitionRecord{start, start}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.inFlight.WithLabelValues("indexing")), 1e-9)
}

func TestStoreSinkAppends(t *testing.T) {
	t.Parallel()
	repo := memory.NewTransitionStore()
	sink := NewStoreSink(repo, nil)

	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()))
	recs, err := repo.ListTransitions(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), lifecycleBatch()))
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()[:1]))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "status transition", entry.Message)
	require.Equal(t, "a", entry.ContextMap()["item_id"])
	require.Equal(t, "indexing", entry.ContextMap()["to"])
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if topic != "item-events" {
		return "", errors.New("unexpected topic")
	}
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func TestPublisherSinkOnlyTerminal(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, "item-events", nil)

	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()))
	require.Len(t, pub.payloads, 1)
	evt, ok := pub.payloads[0].(ItemEvent)
	require.True(t, ok)
	require.Equal(t, "a", evt.ItemID)
	require.Equal(t, tracker.StatusActive, evt.Status)
	require.Equal(t, "2025-06-01T12:01:30.000Z", evt.At)

	pub.err = errors.New("down")
	require.Error(t, sink.Consume(context.Background(), lifecycleBatch()))
}
