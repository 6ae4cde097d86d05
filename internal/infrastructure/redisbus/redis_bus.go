// Package redisbus implements the fanout bus on Redis Streams. Each
// subscriber is a consumer group on the stream, so every group sees every
// entry and entries stay pending until acknowledged.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
)

const (
	fieldKey   = "key"
	fieldEvent = "event"

	readBlock       = 2 * time.Second
	readCount       = 64
	claimMinIdle    = 30 * time.Second
	claimInterval   = claimMinIdle
	redeliveryDelay = time.Second
)

// Connect dials Redis and verifies the connection.
func Connect(addr string) (*goredis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Publisher appends committed events to a stream.
type Publisher struct {
	rdb    goredis.Cmdable
	stream string
}

func NewPublisher(rdb goredis.Cmdable, stream string) *Publisher {
	return &Publisher{rdb: rdb, stream: stream}
}

// Publish adds events in a single pipeline so one call's events stay
// adjacent in the stream.
func (p *Publisher) Publish(ctx context.Context, events ...store.Event) error {
	if p == nil || p.rdb == nil {
		return fmt.Errorf("redis publisher not initialized")
	}
	if len(events) == 0 {
		return nil
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range events {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: p.stream,
				Values: map[string]any{fieldKey: e.AggregateID, fieldEvent: raw},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Subscriber reads the stream as one member of a consumer group.
type Subscriber struct {
	rdb      *goredis.Client
	stream   string
	group    string
	consumer string
	log      *logger.Logger
}

func NewSubscriber(rdb *goredis.Client, stream, group, consumer string, log *logger.Logger) *Subscriber {
	if log == nil {
		log = logger.NewNop()
	}
	if consumer == "" {
		consumer = group + "-1"
	}
	return &Subscriber{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		log:      log.With("service", "RedisStreamSubscriber", "stream", stream, "group", group),
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing. New
// groups start at the beginning of the stream.
func (s *Subscriber) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", s.group, err)
	}
	return nil
}

// Subscribe first replays entries this consumer already read but never
// acknowledged, then claims entries left pending by crashed peers, then reads
// new entries. Peers are re-checked every claimInterval. An entry is
// acknowledged only after handler succeeds.
func (s *Subscriber) Subscribe(ctx context.Context, handler bus.Handler) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis subscriber not initialized")
	}
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := s.drainOwnPending(ctx, handler); err != nil {
		return err
	}
	if err := s.reclaim(ctx, handler); err != nil {
		return err
	}
	nextClaim := time.Now().Add(claimInterval)

	for {
		if time.Now().After(nextClaim) {
			if err := s.reclaim(ctx, handler); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("periodic reclaim failed", "error", err)
			}
			nextClaim = time.Now().Add(claimInterval)
		}

		streams, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if errors.Is(err, goredis.ErrClosed) {
				return nil
			}
			s.log.Warn("xreadgroup failed", "error", err)
			if err := sleep(ctx, redeliveryDelay); err != nil {
				return err
			}
			continue
		}
		for _, st := range streams {
			for _, m := range st.Messages {
				if err := s.handle(ctx, handler, m, false); err != nil {
					return err
				}
			}
		}
	}
}

// drainOwnPending re-reads this consumer's pending entries list from the
// start. It covers a restart that comes before claimMinIdle has passed.
func (s *Subscriber) drainOwnPending(ctx context.Context, handler bus.Handler) error {
	start := "0"
	for {
		streams, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, start},
			Count:    readCount,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return fmt.Errorf("read pending %s: %w", s.stream, err)
		}
		read := 0
		for _, st := range streams {
			for _, m := range st.Messages {
				read++
				start = m.ID
				if err := s.handle(ctx, handler, m, true); err != nil {
					return err
				}
			}
		}
		if read == 0 {
			return nil
		}
	}
}

func (s *Subscriber) reclaim(ctx context.Context, handler bus.Handler) error {
	start := "0-0"
	for {
		msgs, next, err := s.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  claimMinIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			return fmt.Errorf("xautoclaim %s: %w", s.stream, err)
		}
		for _, m := range msgs {
			if err := s.handle(ctx, handler, m, true); err != nil {
				return err
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// handle retries handler until it succeeds or ctx ends, then acks.
func (s *Subscriber) handle(ctx context.Context, handler bus.Handler, m goredis.XMessage, redelivered bool) error {
	// Pending entries trimmed from the stream come back without values.
	if len(m.Values) == 0 {
		s.ack(ctx, m.ID)
		return nil
	}
	msg := bus.Message{
		Key:         []byte(fieldString(m.Values, fieldKey)),
		Raw:         []byte(fieldString(m.Values, fieldEvent)),
		Redelivered: redelivered,
	}
	for {
		err := handler(ctx, msg)
		if err == nil {
			break
		}
		s.log.Error("handler failed, retrying", "entry", m.ID, "error", err)
		msg.Redelivered = true
		if err := sleep(ctx, redeliveryDelay); err != nil {
			return err
		}
	}
	s.ack(ctx, m.ID)
	return nil
}

// ack runs even when ctx was cancelled after the entry was handled. A failed
// ack leaves the entry pending: it is re-read on the next start, or claimed
// by the periodic reclaim once idle for claimMinIdle.
func (s *Subscriber) ack(ctx context.Context, id string) {
	if err := s.rdb.XAck(context.WithoutCancel(ctx), s.stream, s.group, id).Err(); err != nil {
		s.log.Warn("xack failed", "entry", id, "error", err)
	}
}

func (s *Subscriber) Close() error {
	return s.rdb.Close()
}

// DeadLetterStream parks failed messages on a separate stream.
type DeadLetterStream struct {
	rdb    goredis.Cmdable
	stream string
}

func NewDeadLetterStream(rdb goredis.Cmdable, stream string) *DeadLetterStream {
	return &DeadLetterStream{rdb: rdb, stream: stream}
}

func (d *DeadLetterStream) DeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return d.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{"projection": dl.Projection, "dead_letter": raw},
	}).Err()
}

// Tail returns up to n of the most recent dead letters, oldest first.
func (d *DeadLetterStream) Tail(ctx context.Context, n int64) ([]bus.DeadLetter, error) {
	entries, err := d.rdb.XRevRangeN(ctx, d.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", d.stream, err)
	}
	letters := make([]bus.DeadLetter, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		raw := fieldString(entries[i].Values, "dead_letter")
		var dl bus.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			dl = bus.DeadLetter{
				Projection: fieldString(entries[i].Values, "projection"),
				Raw:        []byte(raw),
				Error:      "undecodable dead letter: " + err.Error(),
			}
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func fieldString(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ bus.Publisher      = (*Publisher)(nil)
	_ bus.Subscriber     = (*Subscriber)(nil)
	_ bus.DeadLetterSink = (*DeadLetterStream)(nil)
)
