package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// PrometheusSink exports lifecycle metrics: transitions by target state, the number
// of items currently in flight and the wall time of finished runs.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	runtime     *prometheus.HistogramVec

	runs *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_transitions_total",
			Help: "Status transitions partitioned by component and target status.",
		}, []string{"component", "to"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_items_in_flight",
			Help: "Items currently indexing or scraping.",
		}, []string{"status"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_run_duration_seconds",
			Help:    "Time from entering an in-flight state to leaving it.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		runs: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{s.transitions, s.inFlight, s.runtime} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register audit collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []tracker.TransitionRecord) error {
	for _, rec := range batch {
		s.transitions.WithLabelValues(rec.Component, string(rec.To)).Inc()
		if tracker.IsInFlight(rec.To) {
			if s.runs.start(rec) {
				s.inFlight.WithLabelValues(string(rec.To)).Inc()
			}
			continue
		}
		if tracker.IsInFlight(rec.From) {
			if started, ok := s.runs.finish(rec.ItemID); ok {
				s.inFlight.WithLabelValues(string(rec.From)).Dec()
				if d := rec.At.Sub(started); d > 0 {
					s.runtime.WithLabelValues(string(rec.To)).Observe(d.Seconds())
				}
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	started map[string]tracker.TransitionRecord
}

func newRunTracker() *runTracker {
	return &runTracker{started: make(map[string]tracker.TransitionRecord)}
}

func (t *runTracker) start(rec tracker.TransitionRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[rec.ItemID]; ok {
		return false
	}
	t.started[rec.ItemID] = rec
	return true
}

func (t *runTracker) finish(itemID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.started[itemID]
	if !ok {
		return time.Time{}, false
	}
	delete(t.started, itemID)
	return rec.At, true
}
