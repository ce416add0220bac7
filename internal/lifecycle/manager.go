// Package lifecycle owns every status change of a tracked item. Transitions are
// compare-and-set writes against the item store, so two racing writers can never
// both win, and each successful change is recorded in the audit log.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// beginAttempts bounds how often Begin re-reads a row that moved underneath it.
const beginAttempts = 3

// Manager applies guarded transitions.
type Manager struct {
	store  tracker.ItemStore
	log    tracker.TransitionLog
	clock  tracker.Clock
	logger *zap.Logger
}

// New wires a Manager. log may be nil.
func New(store tracker.ItemStore, log tracker.TransitionLog, clock tracker.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, log: log, clock: clock, logger: logger.Named("lifecycle")}
}

// Begin moves item into its in-flight state and clears any previous run handle so
// callbacks from superseded runs no longer match. A second concurrent Begin fails
// with tracker.ErrJobAlreadyInFlight.
func (m *Manager) Begin(ctx context.Context, item tracker.TrackedItem, component, reason string) (tracker.TrackedItem, error) {
	machine := tracker.MachineFor(item.Kind)
	current := item
	for attempt := 0; attempt < beginAttempts; attempt++ {
		if current.Status == machine.InFlight {
			return current, fmt.Errorf("item %s: %w", item.ID, tracker.ErrJobAlreadyInFlight)
		}
		if !machine.Allowed(current.Status, machine.InFlight) {
			return current, fmt.Errorf("item %s cannot start from %s: %w", item.ID, current.Status, tracker.ErrPreconditionFailed)
		}
		now := m.now()
		empty := ""
		updated, err := m.store.Transition(ctx, item.ID,
			tracker.Guard{From: []tracker.Status{current.Status}},
			machine.InFlight,
			tracker.Change{At: now, RunHandle: &empty, RunStartedAt: &now},
		)
		if err == nil {
			m.record(updated.ID, component, current.Status, machine.InFlight, reason, now)
			return updated, nil
		}
		if !errors.Is(err, tracker.ErrPreconditionFailed) {
			return current, fmt.Errorf("begin %s: %w", item.ID, err)
		}
		current = updated
	}
	return current, fmt.Errorf("item %s kept changing: %w", item.ID, tracker.ErrPreconditionFailed)
}

// AttachRun stores the orchestrator's correlation handle while the item stays in flight.
func (m *Manager) AttachRun(ctx context.Context, item tracker.TrackedItem, handle string) (tracker.TrackedItem, error) {
	machine := tracker.MachineFor(item.Kind)
	now := m.now()
	updated, err := m.store.Transition(ctx, item.ID,
		tracker.Guard{From: []tracker.Status{machine.InFlight}},
		machine.InFlight,
		tracker.Change{At: now, RunHandle: &handle},
	)
	if err != nil {
		return updated, fmt.Errorf("attach run %s to %s: %w", handle, item.ID, err)
	}
	m.logger.Debug("run attached", zap.String("item_id", item.ID), zap.String("run_handle", handle))
	return updated, nil
}

// Complete writes the snapshot and moves the item to its success state. When handle
// is set, the item must still carry it; otherwise the completion belongs to a superseded run.
func (m *Manager) Complete(
	ctx context.Context,
	item tracker.TrackedItem,
	handle string,
	snap tracker.Snapshot,
	component, reason string,
) (tracker.TrackedItem, error) {
	machine := tracker.MachineFor(item.Kind)
	now := m.now()
	updated, err := m.store.Transition(ctx, item.ID,
		tracker.Guard{From: []tracker.Status{machine.InFlight}, RunHandle: handle},
		machine.Success,
		tracker.Change{At: now, Snapshot: &snap, LastScrapedAt: &now},
	)
	if err != nil {
		return updated, fmt.Errorf("complete %s: %w", item.ID, err)
	}
	m.record(item.ID, component, machine.InFlight, machine.Success, reason, now)
	return updated, nil
}

// Fail moves an in-flight item to failed.
func (m *Manager) Fail(ctx context.Context, item tracker.TrackedItem, handle, component, reason string) (tracker.TrackedItem, error) {
	machine := tracker.MachineFor(item.Kind)
	now := m.now()
	updated, err := m.store.Transition(ctx, item.ID,
		tracker.Guard{From: []tracker.Status{machine.InFlight}, RunHandle: handle},
		tracker.StatusFailed,
		tracker.Change{At: now},
	)
	if err != nil {
		return updated, fmt.Errorf("fail %s: %w", item.ID, err)
	}
	m.logger.Warn("item failed", zap.String("item_id", item.ID), zap.String("component", component), zap.String("reason", reason))
	m.record(item.ID, component, machine.InFlight, tracker.StatusFailed, reason, now)
	return updated, nil
}

// Reset returns a stuck in-flight item to pending, but only if it has not been
// touched since staleBefore. A completion that lands first wins.
func (m *Manager) Reset(ctx context.Context, item tracker.TrackedItem, staleBefore time.Time, component string) (tracker.TrackedItem, error) {
	machine := tracker.MachineFor(item.Kind)
	now := m.now()
	empty := ""
	updated, err := m.store.Transition(ctx, item.ID,
		tracker.Guard{From: machine.Resettable, UpdatedBefore: &staleBefore},
		tracker.StatusPending,
		tracker.Change{At: now, RunHandle: &empty},
	)
	if err != nil {
		return updated, fmt.Errorf("reset %s: %w", item.ID, err)
	}
	m.record(item.ID, component, machine.InFlight, tracker.StatusPending, "stale since "+staleBefore.UTC().Format(time.RFC3339), now)
	return updated, nil
}

// MarkManual stores operator-entered metrics on a pending post.
func (m *Manager) MarkManual(ctx context.Context, item tracker.TrackedItem, metrics tracker.Metrics, component string) (tracker.TrackedItem, error) {
	if item.Kind != tracker.KindPost {
		return item, fmt.Errorf("manual metrics apply to posts only: %w", tracker.ErrPreconditionFailed)
	}
	now := m.now()
	updated, err := m.store.Transition(ctx, item.ID,
		tracker.Guard{From: []tracker.Status{tracker.StatusPending}},
		tracker.StatusManual,
		tracker.Change{At: now, Snapshot: &tracker.Snapshot{Metrics: metrics}, LastScrapedAt: &now},
	)
	if err != nil {
		return updated, fmt.Errorf("mark manual %s: %w", item.ID, err)
	}
	m.record(item.ID, component, tracker.StatusPending, tracker.StatusManual, "manual metrics", now)
	return updated, nil
}

func (m *Manager) record(itemID, component string, from, to tracker.Status, reason string, at time.Time) {
	if m.log == nil {
		return
	}
	m.log.Record(tracker.TransitionRecord{
		ItemID:    itemID,
		Component: component,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        at,
	})
}

func (m *Manager) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now().UTC()
}
