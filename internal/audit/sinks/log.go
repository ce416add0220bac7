package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// LogSink emits one structured log line per transition.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch.
func (s *LogSink) Consume(_ context.Context, batch []tracker.TransitionRecord) error {
	for _, rec := range batch {
		s.logger.Info("status transition",
			zap.String("item_id", rec.ItemID),
			zap.String("component", rec.Component),
			zap.String("from", string(rec.From)),
			zap.String("to", string(rec.To)),
			zap.String("reason", rec.Reason),
			zap.Time("at", rec.At),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
