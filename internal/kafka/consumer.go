package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Key       []byte
	Value     []byte
	Offset    int64
	Time      time.Time
}

// HandlerFunc processes a single message. In a consumer group a nil return
// commits the offset; an error leaves it uncommitted.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from one topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption configures a consumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	groupID   string
	partition int
	latest    bool
	limit     int
}

// WithGroup joins consumer group id and commits offsets after each handled message.
// Without a group the consumer only peeks at one partition and commits nothing.
func WithGroup(id string) ConsumerOption { return func(c *consumerConfig) { c.groupID = id } }

// WithPartition selects the partition read when no group is set.
func WithPartition(p int) ConsumerOption { return func(c *consumerConfig) { c.partition = p } }

// WithLatest starts a new group or a peek at the end of the topic instead of the beginning.
func WithLatest() ConsumerOption { return func(c *consumerConfig) { c.latest = true } }

// WithLimit makes Subscribe return after n handled messages.
func WithLimit(n int) ConsumerOption { return func(c *consumerConfig) { c.limit = n } }

type consumer struct {
	reader *kafka.Reader
	cfg    consumerConfig
	logger *slog.Logger
}

// NewConsumer creates a consumer for topic.
func NewConsumer(brokers []string, topic string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	var cfg consumerConfig
	for _, o := range opts {
		o(&cfg)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     cfg.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	}
	if cfg.latest {
		rc.StartOffset = kafka.LastOffset
	}
	if cfg.groupID == "" {
		rc.Partition = cfg.partition
	}
	r := kafka.NewReader(rc)
	if cfg.groupID == "" && cfg.latest {
		// StartOffset only applies to new groups; a peek reader is positioned explicitly.
		_ = r.SetOffset(kafka.LastOffset)
	}
	return &consumer{reader: r, cfg: cfg, logger: logger}
}

// Subscribe reads messages until ctx is cancelled or the limit is reached.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for handled := 0; c.cfg.limit <= 0 || handled < c.cfg.limit; {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", c.reader.Config().Topic, err)
		}

		msg := Message{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
			Offset:    m.Offset,
			Time:      m.Time,
		}
		log := c.logger.With(
			slog.String("topic", m.Topic),
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
		)
		if err := handler(extractTrace(ctx, m.Headers), msg); err != nil {
			log.Error("message handler failed, offset not committed", slog.String("error", err.Error()))
			continue
		}
		handled++

		if c.cfg.groupID == "" {
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Error("failed to commit kafka offset", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
