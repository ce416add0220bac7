// Package dedupe remembers processed webhook deliveries so exact replays can be skipped.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local guard. Expired keys are swept lazily.
type Memory struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	sweep int
}

// NewMemory creates an empty guard.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time), now: time.Now}
}

// FirstSeen records key and reports whether it was absent or expired.
func (m *Memory) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep++
	if m.sweep >= 1024 {
		m.sweep = 0
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(ttl)
	return true, nil
}

// Forget drops key.
func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}
