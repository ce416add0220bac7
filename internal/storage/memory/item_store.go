package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type itemKey struct {
	platform tracker.Platform
	kind     tracker.Kind
	key      string
}

// ItemStore provides an in-memory implementation for development/testing.
type ItemStore struct {
	mu       sync.RWMutex
	items    map[string]tracker.TrackedItem
	byKey    map[itemKey]string
	children map[string]map[string]tracker.ChildObservation
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:    make(map[string]tracker.TrackedItem),
		byKey:    make(map[itemKey]string),
		children: make(map[string]map[string]tracker.ChildObservation),
	}
}

// UpsertItem inserts a pending row or merges non-identity fields into the existing one.
func (s *ItemStore) UpsertItem(_ context.Context, item tracker.TrackedItem) (tracker.TrackedItem, bool, error) {
	if item.CanonicalKey == "" {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert item: canonical key is required")
	}
	k := itemKey{platform: item.Platform, kind: item.Kind, key: item.CanonicalKey}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[k]; ok {
		existing := s.items[id]
		mergeMetadata(&existing, item)
		s.items[id] = existing
		return cloneItem(existing), false, nil
	}

	if item.ID == "" {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert item: id is required")
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.Status == "" {
		item.Status = tracker.StatusPending
	}
	stored := cloneItem(item)
	s.items[item.ID] = stored
	s.byKey[k] = item.ID
	return cloneItem(stored), true, nil
}

// mergeMetadata copies refreshed descriptive fields. Status, metrics and timestamps are untouched.
func mergeMetadata(dst *tracker.TrackedItem, src tracker.TrackedItem) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Artist != "" {
		dst.Artist = src.Artist
	}
	if src.OwnerHandle != "" {
		dst.OwnerHandle = src.OwnerHandle
	}
	if src.PageURL != "" {
		dst.PageURL = src.PageURL
	}
	if src.SourceURL != "" {
		dst.SourceURL = src.SourceURL
	}
	if src.CampaignID != "" {
		dst.CampaignID = src.CampaignID
	}
}

// GetItem fetches an item by ID.
func (s *ItemStore) GetItem(_ context.Context, id string) (tracker.TrackedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return tracker.TrackedItem{}, fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
	}
	return cloneItem(item), nil
}

// FindByRunHandle returns the item currently carrying the correlation handle.
func (s *ItemStore) FindByRunHandle(_ context.Context, handle string) (tracker.TrackedItem, error) {
	if handle == "" {
		return tracker.TrackedItem{}, fmt.Errorf("empty run handle: %w", tracker.ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.RunHandle == handle {
			return cloneItem(item), nil
		}
	}
	return tracker.TrackedItem{}, fmt.Errorf("run %s: %w", handle, tracker.ErrNotFound)
}

// Transition applies a guarded status change atomically under the store lock.
func (s *ItemStore) Transition(
	_ context.Context,
	id string,
	guard tracker.Guard,
	to tracker.Status,
	change tracker.Change,
) (tracker.TrackedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return tracker.TrackedItem{}, fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
	}
	if !guardHolds(item, guard) {
		return cloneItem(item), fmt.Errorf("item %s is %s: %w", id, item.Status, tracker.ErrPreconditionFailed)
	}

	item.Status = to
	item.UpdatedAt = change.At
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	if snap := change.Snapshot; snap != nil {
		item.Metrics = snap.Metrics
		item.Geo = slices.Clone(snap.Geo)
		if snap.OwnerHandle != "" {
			item.OwnerHandle = snap.OwnerHandle
		}
	}
	if change.RunHandle != nil {
		item.RunHandle = *change.RunHandle
	}
	if change.RunStartedAt != nil {
		item.RunStartedAt = timePtr(*change.RunStartedAt)
	}
	if change.LastScrapedAt != nil {
		item.LastScrapedAt = timePtr(*change.LastScrapedAt)
	}
	s.items[id] = item
	return cloneItem(item), nil
}

func guardHolds(item tracker.TrackedItem, g tracker.Guard) bool {
	if len(g.From) > 0 && !slices.Contains(g.From, item.Status) {
		return false
	}
	if g.UpdatedBefore != nil && !item.UpdatedAt.Before(*g.UpdatedBefore) {
		return false
	}
	if g.RunHandle != "" && item.RunHandle != g.RunHandle {
		return false
	}
	return true
}

// UpsertChildren writes child rows keyed by (parent, external id) and returns how many were written.
func (s *ItemStore) UpsertChildren(_ context.Context, parentID string, children []tracker.ChildObservation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[parentID]; !ok {
		return 0, fmt.Errorf("item %s: %w", parentID, tracker.ErrNotFound)
	}
	rows, ok := s.children[parentID]
	if !ok {
		rows = make(map[string]tracker.ChildObservation)
		s.children[parentID] = rows
	}
	for _, c := range children {
		c.ParentID = parentID
		rows[c.ExternalVideoID] = c
	}
	return len(children), nil
}

// ListChildren returns child rows ordered by external id.
func (s *ItemStore) ListChildren(_ context.Context, parentID string) ([]tracker.ChildObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.children[parentID]
	out := make([]tracker.ChildObservation, 0, len(rows))
	for _, c := range rows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalVideoID < out[j].ExternalVideoID })
	return out, nil
}

func cloneItem(item tracker.TrackedItem) tracker.TrackedItem {
	item.Geo = slices.Clone(item.Geo)
	if item.RunStartedAt != nil {
		item.RunStartedAt = timePtr(*item.RunStartedAt)
	}
	if item.LastScrapedAt != nil {
		item.LastScrapedAt = timePtr(*item.LastScrapedAt)
	}
	return item
}

func timePtr(t time.Time) *time.Time {
	return &t
}
