// Package kafka publishes lifecycle events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Writer is the subset of kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
}

// Publisher writes JSON payloads to Kafka. The topic is chosen per message.
type Publisher struct {
	writer Writer
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewWriter builds a kafka.Writer with no fixed topic.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// New wraps a writer.
func New(writer Writer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, logger: logger.Named("kafka")}
}

// Publish encodes payload as JSON and writes it to topic. Trace context travels in headers.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.writer == nil {
		return "", fmt.Errorf("kafka publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	carrier := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	id := topic + "-" + strconv.FormatUint(p.seq.Add(1), 10)
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(keyOf(payload, id)),
		Value:   data,
		Headers: carrier.headers(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka publish failed", zap.String("topic", topic), zap.Error(err))
		return "", fmt.Errorf("write message to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// keyer lets payloads choose their partition key.
type keyer interface {
	PartitionKey() string
}

func keyOf(payload any, fallback string) string {
	if k, ok := payload.(keyer); ok && k.PartitionKey() != "" {
		return k.PartitionKey()
	}
	return fallback
}

type headerCarrier map[string]string

func (c headerCarrier) Get(key string) string { return c[key] }

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (c headerCarrier) headers() []kafka.Header {
	out := make([]kafka.Header, 0, len(c))
	for k, v := range c {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
