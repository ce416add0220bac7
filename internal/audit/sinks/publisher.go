package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// ItemEvent is the message published when an item reaches a terminal status.
type ItemEvent struct {
	ItemID    string         `json:"item_id"`
	From      tracker.Status `json:"from"`
	Status    tracker.Status `json:"status"`
	Component string         `json:"component"`
	Reason    string         `json:"reason,omitempty"`
	At        string         `json:"at"`
}

// PartitionKey keeps every event for an item on the same partition.
func (e ItemEvent) PartitionKey() string { return e.ItemID }

// PublisherSink publishes terminal transitions so downstream consumers can refresh.
type PublisherSink struct {
	publisher tracker.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a publisher and topic.
func NewPublisherSink(publisher tracker.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes every terminal record. The first publish error aborts the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []tracker.TransitionRecord) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, rec := range batch {
		if !tracker.IsTerminal(rec.To) {
			continue
		}
		evt := ItemEvent{
			ItemID:    rec.ItemID,
			From:      rec.From,
			Status:    rec.To,
			Component: rec.Component,
			Reason:    rec.Reason,
			At:        rec.At.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish %s transition: %w", rec.ItemID, err)
		}
		s.logger.Debug("published item event", zap.String("item_id", rec.ItemID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
