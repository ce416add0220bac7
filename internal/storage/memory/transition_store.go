package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// TransitionStore keeps the append-only status log in memory.
type TransitionStore struct {
	mu      sync.RWMutex
	records map[string][]tracker.TransitionRecord
}

// NewTransitionStore constructs an empty log.
func NewTransitionStore() *TransitionStore {
	return &TransitionStore{records: make(map[string][]tracker.TransitionRecord)}
}

// AppendTransitions appends records in order.
func (s *TransitionStore) AppendTransitions(_ context.Context, records []tracker.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.ItemID] = append(s.records[rec.ItemID], rec)
	}
	return nil
}

// ListTransitions returns an item's records oldest first.
func (s *TransitionStore) ListTransitions(_ context.Context, itemID string) ([]tracker.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tracker.TransitionRecord(nil), s.records[itemID]...), nil
}
