// Package poller keeps a client-side view of watched items fresh, polling fast while
// work is in flight and backing off once everything settles.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Source reads items and resets stuck ones.
type Source interface {
	Get(ctx context.Context, id string) (tracker.TrackedItem, error)
	Reset(ctx context.Context, id string) (tracker.TrackedItem, error)
}

// NotifyFunc is called once per item and terminal status.
type NotifyFunc func(item tracker.TrackedItem)

// Config holds the polling tiers.
type Config struct {
	ActiveInterval time.Duration
	RecentInterval time.Duration
	IdleInterval   time.Duration
	// RecentWindow keeps the session on RecentInterval after a mutation.
	RecentWindow time.Duration
	// StuckAfter is the idle time after which an in-flight item is reset.
	StuckAfter time.Duration
}

// DefaultConfig returns the standard tiers.
func DefaultConfig() Config {
	return Config{
		ActiveInterval: 2 * time.Second,
		RecentInterval: 5 * time.Second,
		IdleInterval:   30 * time.Second,
		RecentWindow:   60 * time.Second,
		StuckAfter:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = d.ActiveInterval
	}
	if c.RecentInterval <= 0 {
		c.RecentInterval = d.RecentInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	return c
}

// Session polls a fixed set of items on a single goroutine.
type Session struct {
	src    Source
	ids    []string
	cfg    Config
	notify NotifyFunc
	now    func() time.Time
	logger *zap.Logger

	mu              sync.Mutex
	items           map[string]tracker.TrackedItem
	notified        map[string]tracker.Status
	lastMutation    time.Time
	mutationPending bool

	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewSession builds a stopped session. notify may be nil.
func NewSession(src Source, ids []string, cfg Config, notify NotifyFunc, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		src:      src,
		ids:      append([]string(nil), ids...),
		cfg:      cfg.withDefaults(),
		notify:   notify,
		now:      time.Now,
		logger:   logger.Named("poller"),
		items:    make(map[string]tracker.TrackedItem, len(ids)),
		notified: make(map[string]tracker.Status, len(ids)),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the polling loop. The first poll happens immediately.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.run(ctx)
}

// Stop cancels the loop and waits for it to exit. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
}

// Done is closed when the loop exits.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// NotifyMutation switches to the fastest tier and polls right away.
func (s *Session) NotifyMutation() {
	s.mu.Lock()
	s.lastMutation = s.now()
	s.mutationPending = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Items returns the latest observed state of every watched item.
func (s *Session) Items() []tracker.TrackedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tracker.TrackedItem, 0, len(s.ids))
	for _, id := range s.ids {
		if item, ok := s.items[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		next := s.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// poll refreshes every item once and returns the delay until the next poll.
func (s *Session) poll(ctx context.Context) time.Duration {
	anyUnsettled := false
	for _, id := range s.ids {
		if ctx.Err() != nil {
			return 0
		}
		item, err := s.src.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("poll item", zap.String("item_id", id), zap.Error(err))
			}
			anyUnsettled = true
			continue
		}
		if s.stuck(item) {
			item = s.reset(ctx, item)
			s.markMutation()
		}
		if !tracker.IsTerminal(item.Status) {
			anyUnsettled = true
		}
		s.observe(item)
	}
	return s.interval(anyUnsettled)
}

func (s *Session) stuck(item tracker.TrackedItem) bool {
	return tracker.IsInFlight(item.Status) && s.now().Sub(item.UpdatedAt) > s.cfg.StuckAfter
}

func (s *Session) reset(ctx context.Context, item tracker.TrackedItem) tracker.TrackedItem {
	reset, err := s.src.Reset(ctx, item.ID)
	if err != nil {
		// A completion that landed first makes the reset fail; the next poll sees it.
		s.logger.Info("reset stuck item", zap.String("item_id", item.ID), zap.Error(err))
		return item
	}
	s.logger.Warn("stuck item reset",
		zap.String("item_id", item.ID),
		zap.String("was", string(item.Status)),
		zap.Time("updated_at", item.UpdatedAt),
	)
	return reset
}

func (s *Session) markMutation() {
	s.mu.Lock()
	s.lastMutation = s.now()
	s.mutationPending = true
	s.mu.Unlock()
}

func (s *Session) observe(item tracker.TrackedItem) {
	s.mu.Lock()
	s.items[item.ID] = item
	fire := tracker.IsTerminal(item.Status) && s.notified[item.ID] != item.Status
	if fire {
		s.notified[item.ID] = item.Status
	}
	s.mu.Unlock()
	if fire && s.notify != nil {
		s.notify(item)
	}
}

func (s *Session) interval(anyUnsettled bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.mutationPending
	s.mutationPending = false
	switch {
	case anyUnsettled || pending:
		return s.cfg.ActiveInterval
	case !s.lastMutation.IsZero() && s.now().Sub(s.lastMutation) < s.cfg.RecentWindow:
		return s.cfg.RecentInterval
	default:
		return s.cfg.IdleInterval
	}
}
