// Package kafka adapts segmentio/kafka-go to the leader event pipeline and the report sink.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tandem/internal/app/pipeline"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/observability"
)

const defaultCommitInterval = time.Second

// SourceConfig configures a consumer group reader.
type SourceConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SourceOption customises a Source.
type SourceOption func(*Source)

// WithSourceLogger overrides the logger.
func WithSourceLogger(logger observability.Logger) SourceOption {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSourceObserver registers a callback invoked for every fetched message.
func WithSourceObserver(fn func(source string)) SourceOption {
	return func(s *Source) {
		s.observe = fn
	}
}

// Source consumes JSON leader events from a topic. Offsets are committed only up to the
// highest message whose handling was acknowledged, so unacknowledged events are
// redelivered after a restart or rebalance.
type Source struct {
	reader         messageReader
	topic          string
	commitInterval time.Duration
	tracker        *offsetTracker
	logger         observability.Logger
	observe        func(string)
}

// NewSource constructs a consumer group source.
func NewSource(cfg SourceConfig, opts ...SourceOption) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source: brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka source: topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka source: group id required")
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	}
	if readerCfg.MaxBytes <= 0 {
		readerCfg.MaxBytes = 10e6
	}
	if readerCfg.MinBytes <= 0 {
		readerCfg.MinBytes = 1
	}
	return newSource(kafka.NewReader(readerCfg), cfg.Topic, cfg.CommitInterval, opts...), nil
}

func newSource(reader messageReader, topic string, interval time.Duration, opts ...SourceOption) *Source {
	if interval <= 0 {
		interval = defaultCommitInterval
	}
	s := &Source{
		reader:         reader,
		topic:          topic,
		commitInterval: interval,
		tracker:        newOffsetTracker(),
		logger:         observability.WithComponent(nil, "kafka-source"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name implements pipeline.Source.
func (s *Source) Name() string {
	return "kafka:" + s.topic
}

// Run fetches messages until ctx is cancelled. Acknowledged offsets are committed on a
// timer and once more on exit. The reader is closed when Run returns.
func (s *Source) Run(ctx context.Context, emit pipeline.Emit) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Error("kafka reader close failed", observability.F("error", err.Error()))
		}
	}()

	commitCtx, stopCommits := context.WithCancel(ctx)
	var wg conc.WaitGroup
	wg.Go(func() { s.commitLoop(commitCtx) })
	defer func() {
		stopCommits()
		wg.Wait()
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.commit(flushCtx)
	}()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if s.observe != nil {
			s.observe(s.Name())
		}
		s.tracker.Track(msg.Partition, msg.Offset)
		partition, offset := msg.Partition, msg.Offset
		ack := func() { s.tracker.Ack(partition, offset) }

		raw, err := signal.DecodeRaw(msg.Value)
		if err != nil {
			s.logger.Error("undecodable leader event dropped",
				observability.F("partition", partition),
				observability.F("offset", offset),
				observability.F("error", err.Error()))
			ack()
			continue
		}
		if err := emit(ctx, pipeline.Delivery{Raw: raw, Ack: ack}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Source) commitLoop(ctx context.Context) {
	ticker := time.NewTicker(s.commitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.commit(ctx)
		}
	}
}

func (s *Source) commit(ctx context.Context) {
	ready := s.tracker.Committable()
	if len(ready) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(ready))
	for partition, offset := range ready {
		msgs = append(msgs, kafka.Message{Topic: s.topic, Partition: partition, Offset: offset})
	}
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("kafka commit failed", observability.F("error", err.Error()))
		}
		return
	}
	for _, m := range msgs {
		s.tracker.MarkCommitted(m.Partition, m.Offset)
	}
}

var _ pipeline.Source = (*Source)(nil)
