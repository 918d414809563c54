package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer used by Publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces reconciled changes to a Kafka topic.
// It implements pipeline.ChangePublisher.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the change topic. Messages are
// keyed by event id so every revision of an event lands on one partition.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, topic: topic, logger: logger}
}

// Publish serializes and writes changes in a single WriteMessages call.
func (p *Publisher) Publish(ctx context.Context, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(changes))
	for i := range changes {
		msg, err := serializeChange(changes[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d changes to %s: %w", len(msgs), p.topic, err)
	}
	p.logger.Debug("changes published", "topic", p.topic, "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeChange marshals the record as the message value and carries the
// reconciliation metadata in headers.
func serializeChange(c domain.Change) (kafkago.Message, error) {
	data, err := json.Marshal(c.Record)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize event %s: %w", c.Record.EventID, err)
	}
	return kafkago.Message{
		Key:   []byte(c.Record.EventID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "outcome", Value: []byte(c.Outcome)},
			{Key: "status", Value: []byte(c.Record.Status)},
			{Key: "cycle_id", Value: []byte(c.CycleID)},
			{Key: "updated_at", Value: []byte(c.Record.UpdatedAt.Format(time.RFC3339Nano))},
		},
	}, nil
}
