package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Sink consumes batches of transition records. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []tracker.TransitionRecord) error
	Close(ctx context.Context) error
}

// Validate rejects records that cannot be attributed to an item.
func Validate(rec tracker.TransitionRecord) error {
	if rec.ItemID == "" {
		return fmt.Errorf("transition missing item id")
	}
	if rec.To == "" {
		return fmt.Errorf("transition for %s missing target status", rec.ItemID)
	}
	if rec.At.IsZero() {
		return fmt.Errorf("transition for %s missing timestamp", rec.ItemID)
	}
	return nil
}

// Sanitize trims oversize reasons and normalizes the timestamp to UTC.
func Sanitize(rec tracker.TransitionRecord) tracker.TransitionRecord {
	const maxReason = 512
	if len(rec.Reason) > maxReason {
		rec.Reason = rec.Reason[:maxReason]
	}
	rec.At = rec.At.In(time.UTC)
	return rec
}
