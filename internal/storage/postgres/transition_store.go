package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// TransitionStore appends status changes to the transitions table.
type TransitionStore struct {
	pool Pool
}

// NewTransitionStore wraps an open pool.
func NewTransitionStore(pool Pool) (*TransitionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TransitionStore{pool: pool}, nil
}

// AppendTransitions inserts records in one transaction.
func (s *TransitionStore) AppendTransitions(ctx context.Context, records []tracker.TransitionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transitions tx: %w", err)
	}
	for _, rec := range records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transitions (item_id, component, from_status, to_status, reason, at) VALUES ($1,$2,$3,$4,$5,$6)`,
			rec.ItemID, rec.Component, string(rec.From), string(rec.To), rec.Reason, rec.At,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transitions: %w", err)
	}
	return nil
}

// ListTransitions returns an item's records oldest first.
func (s *TransitionStore) ListTransitions(ctx context.Context, itemID string) ([]tracker.TransitionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, component, from_status, to_status, reason, at FROM transitions WHERE item_id = $1 ORDER BY at, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []tracker.TransitionRecord
	for rows.Next() {
		var (
			rec      tracker.TransitionRecord
			from, to string
		)
		if err := rows.Scan(&rec.ItemID, &rec.Component, &from, &to, &rec.Reason, &rec.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.From = tracker.Status(from)
		rec.To = tracker.Status(to)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}
