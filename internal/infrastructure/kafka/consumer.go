package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/logger"
)

const (
	handlerRetryDelay = time.Second
	fetchRetryInitial = 100 * time.Millisecond
	fetchRetryMax     = 10 * time.Second
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer is one service's durable subscription: its consumer group on the
// fanout topic. Every group receives every message.
type Consumer struct {
	reader       messageReader
	log          *logger.Logger
	fetchBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // commit synchronously after each handled message
		StartOffset:    kafka.FirstOffset,
	})
	if log == nil {
		log = logger.NewNop()
	}
	return newConsumer(reader, log.With("component", "kafka_consumer", "topic", topic, "group", groupID))
}

func newConsumer(reader messageReader, log *logger.Logger) *Consumer {
	return &Consumer{
		reader: reader,
		log:    log,
		fetchBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = fetchRetryInitial
			b.MaxInterval = fetchRetryMax
			return b
		},
	}
}

// Subscribe fetches, handles and then commits each message. A message is
// only committed after handler succeeds; failures are retried in place so
// later offsets never commit past it.
//
// A closed reader ends the subscription; other fetch errors are retried
// with exponential backoff.
func (c *Consumer) Subscribe(ctx context.Context, handler bus.Handler) error {
	fetchRetry := c.fetchBackOff()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			wait := fetchRetry.NextBackOff()
			c.log.Warn("error fetching message", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		fetchRetry.Reset()

		delivery := bus.Message{Key: msg.Key, Raw: msg.Value}
		for {
			err := handler(ctx, delivery)
			if err == nil {
				break
			}
			c.log.Error("error handling message, retrying",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			delivery.Redelivered = true
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(handlerRetryDelay):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("error committing offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

var _ bus.Subscriber = (*Consumer)(nil)
