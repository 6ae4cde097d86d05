package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/segmentio/kafka-go"
)

const (
	headerEventType     = "event_type"
	headerSchemaVersion = "schema_version"
	headerProjection    = "projection"
	headerError         = "error"
)

// Producer publishes committed events to the fanout topic. Messages are
// keyed by aggregate id so one aggregate's events share a partition and
// keep commit order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &Producer{writer: writer}
}

// EncodeMessage converts an event into its Kafka message.
func EncodeMessage(event store.Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(event.Type)},
			{Key: headerSchemaVersion, Value: []byte(strconv.Itoa(event.SchemaVersion))},
		},
	}, nil
}

// Publish writes events in one batch; kafka-go keeps their order within
// the partition.
func (p *Producer) Publish(ctx context.Context, events ...store.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		msg, err := EncodeMessage(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DeadLetterWriter parks failed messages on a separate topic, keyed by
// projection.
type DeadLetterWriter struct {
	writer *kafka.Writer
}

func NewDeadLetterWriter(brokers []string, topic string) *DeadLetterWriter {
	return &DeadLetterWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

// EncodeDeadLetter converts a dead letter into its Kafka message.
func EncodeDeadLetter(dl bus.DeadLetter) (kafka.Message, error) {
	data, err := json.Marshal(dl)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode dead letter: %w", err)
	}
	return kafka.Message{
		Key:   []byte(dl.Projection),
		Value: data,
		Time:  dl.FailedAt,
		Headers: []kafka.Header{
			{Key: headerProjection, Value: []byte(dl.Projection)},
			{Key: headerError, Value: []byte(dl.Error)},
		},
	}, nil
}

func (w *DeadLetterWriter) DeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	msg, err := EncodeDeadLetter(dl)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *DeadLetterWriter) Close() error {
	return w.writer.Close()
}

var (
	_ bus.Publisher      = (*Producer)(nil)
	_ bus.DeadLetterSink = (*DeadLetterWriter)(nil)
)
