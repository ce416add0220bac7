package tracker

import (
	"context"
	"io"
	"time"
)

// Guard is the precondition of a compare-and-set transition.
type Guard struct {
	// From lists the states the item must currently be in.
	From []Status
	// UpdatedBefore, when set, additionally requires UpdatedAt < UpdatedBefore.
	UpdatedBefore *time.Time
	// RunHandle, when set, requires the item to still carry this correlation handle.
	RunHandle string
}

// Change carries the fields written together with a status transition.
type Change struct {
	At            time.Time
	Snapshot      *Snapshot
	RunHandle     *string
	RunStartedAt  *time.Time
	LastScrapedAt *time.Time
}

// ItemStore persists tracked items and their child observations.
type ItemStore interface {
	// UpsertItem inserts a new pending row or refreshes the non-identity fields of the
	// existing (platform, kind, canonical key) row. The bool reports whether a row was created.
	UpsertItem(ctx context.Context, item TrackedItem) (TrackedItem, bool, error)
	GetItem(ctx context.Context, id string) (TrackedItem, error)
	FindByRunHandle(ctx context.Context, handle string) (TrackedItem, error)
	// Transition moves the item to status `to` only if guard holds. On a failed guard it
	// returns the current row and an error wrapping ErrPreconditionFailed.
	Transition(ctx context.Context, id string, guard Guard, to Status, change Change) (TrackedItem, error)
	UpsertChildren(ctx context.Context, parentID string, children []ChildObservation) (int, error)
	ListChildren(ctx context.Context, parentID string) ([]ChildObservation, error)
}

// TransitionStore appends to and reads the status audit log.
type TransitionStore interface {
	AppendTransitions(ctx context.Context, records []TransitionRecord) error
	ListTransitions(ctx context.Context, itemID string) ([]TransitionRecord, error)
}

// TransitionLog receives every successful status transition.
type TransitionLog interface {
	Record(rec TransitionRecord)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub, Kafka or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// DeliveryGuard remembers webhook deliveries that were already processed.
type DeliveryGuard interface {
	// FirstSeen records key and reports true only for the first caller within ttl.
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget releases key so a redelivery after a failed attempt is processed again.
	Forget(ctx context.Context, key string) error
}

// Hasher computes digests for content-addressed archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
