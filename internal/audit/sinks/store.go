package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// StoreSink appends batches to the durable transition log.
type StoreSink struct {
	repo   tracker.TransitionStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo tracker.TransitionStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the whole batch in order and returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []tracker.TransitionRecord) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.AppendTransitions(ctx, batch); err != nil {
		return fmt.Errorf("append transitions: %w", err)
	}
	s.logger.Debug("transitions persisted", zap.Int("count", len(batch)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
