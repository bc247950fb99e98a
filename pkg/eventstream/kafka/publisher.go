// Package kafka publishes telemetry events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

const defaultWriteTimeout = 10 * time.Second

// Config configures a Kafka publisher.
type Config struct {
	// Brokers is the list of bootstrap broker addresses (host:port).
	Brokers []string

	// Topic receives one message per event.
	Topic string

	// WriteTimeout bounds each write (defaults to 10s).
	WriteTimeout time.Duration

	// Logger receives write failures.
	Logger *slog.Logger
}

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes events as JSON messages keyed by request id, so every
// event of one stream lands on the same partition in order.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a Kafka publisher for the configured brokers and topic.
func NewPublisher(c Config) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if c.Topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		WriteTimeout:           c.WriteTimeout,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return newPublisher(w, c.Topic, c.Logger), nil
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		writer: w,
		topic:  topic,
		logger: logger,
	}
}

// Publish encodes the event and writes it synchronously.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.Event) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("kafka write failed",
			"topic", p.topic,
			"event_type", event.EventType,
			"error", err,
		)
		return fmt.Errorf("writing event to kafka: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Message encodes an event as a Kafka message keyed by Event.Key, with the
// event type and schema version as headers.
func Message(event *eventstream.Event) (kafkago.Message, error) {
	if event == nil {
		return kafkago.Message{}, eventstream.ErrNilEvent
	}

	value, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encoding event: %w", err)
	}

	return kafkago.Message{
		Key:   []byte(event.Key()),
		Value: value,
		Time:  event.EmittedAt,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte(strconv.Itoa(event.SchemaVersion))},
		},
	}, nil
}
