package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Config controls the Hub. Zero values fall back to a 1024-record buffer and a
// 5s per-sink timeout.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 5 * time.Second
)

// Hub fans transition records out to sinks from a single goroutine. Records that
// queue up while sinks are busy are delivered together on the next pass.
type Hub struct {
	sinks   []Sink
	records chan tracker.TransitionRecord
	stop    chan struct{}
	done    chan struct{}
	timeout time.Duration
	logger  *zap.Logger
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

// NewHub starts the delivery goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		sinks:   append([]Sink(nil), sinks...),
		records: make(chan tracker.TransitionRecord, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: cfg.SinkTimeout,
		logger:  logger,
	}
	go h.run()
	return h
}

// Record enqueues a transition without blocking. A full buffer drops the record.
func (h *Hub) Record(rec tracker.TransitionRecord) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := Validate(rec); err != nil {
		h.logger.Debug("discarding invalid transition record", zap.Error(err))
		return
	}
	select {
	case h.records <- Sanitize(rec):
	default:
		total := h.dropped.Add(1)
		h.logger.Warn("transition record dropped",
			zap.String("item_id", rec.ItemID),
			zap.String("to", string(rec.To)),
			zap.Int64("dropped_total", total),
		)
	}
}

// Close delivers what is buffered, closes the sinks and waits for the goroutine.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case rec := <-h.records:
			h.deliver(h.drain([]tracker.TransitionRecord{rec}))
		case <-h.stop:
			if batch := h.drain(nil); len(batch) > 0 {
				h.deliver(batch)
			}
			h.closeSinks()
			return
		}
	}
}

// drain appends every record already buffered.
func (h *Hub) drain(batch []tracker.TransitionRecord) []tracker.TransitionRecord {
	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (h *Hub) deliver(batch []tracker.TransitionRecord) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("audit sink consume failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("audit sink close failed", zap.Error(err))
		}
		cancel()
	}
}
