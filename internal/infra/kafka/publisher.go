package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tandem/internal/app/report"
)

// PublisherConfig configures the report topic writer.
type PublisherConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a report.Sink that writes records to a topic keyed by leader event id,
// so every transition of one entry lands on the same partition in order.
type Publisher struct {
	writer messageWriter
	topic  string
}

// NewPublisher constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka publisher: topic required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, topic: cfg.Topic}, nil
}

// Emit implements report.Sink.
func (p *Publisher) Emit(ctx context.Context, record report.Record) error {
	value, err := report.Encode(record)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(record.LeaderEventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(record.Status)},
			{Key: "kind", Value: []byte(record.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ report.Sink = (*Publisher)(nil)
