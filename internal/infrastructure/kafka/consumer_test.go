package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/logger"
)

// scriptedReader replays fetch results in order, then reports io.EOF.
type scriptedReader struct {
	mu        sync.Mutex
	fetches   []fetchResult
	fetched   int
	committed []kafka.Message
}

type fetchResult struct {
	msg kafka.Message
	err error
}

func (r *scriptedReader) FetchMessage(context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched++
	if len(r.fetches) == 0 {
		return kafka.Message{}, io.EOF
	}
	next := r.fetches[0]
	r.fetches = r.fetches[1:]
	return next.msg, next.err
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func newTestConsumer(r *scriptedReader) *Consumer {
	c := newConsumer(r, logger.NewNop())
	c.fetchBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func subscribeWithin(t *testing.T, c *Consumer, handler bus.Handler) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Subscribe(context.Background(), handler) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
		return nil
	}
}

// ============================================
// Fetch Loop Tests
// ============================================

func TestConsumer_ClosedReaderEndsSubscription(t *testing.T) {
	r := &scriptedReader{}

	err := subscribeWithin(t, newTestConsumer(r), func(context.Context, bus.Message) error { return nil })

	assert.NoError(t, err)
	assert.Equal(t, 1, r.fetched)
}

func TestConsumer_FetchErrorsAreRetried(t *testing.T) {
	msg := kafka.Message{Partition: 0, Offset: 7, Key: []byte("R1"), Value: []byte(`{"id":"e1"}`)}
	r := &scriptedReader{fetches: []fetchResult{
		{err: errors.New("broker not available")},
		{err: errors.New("broker not available")},
		{msg: msg},
	}}

	var handled []bus.Message
	err := subscribeWithin(t, newTestConsumer(r), func(_ context.Context, m bus.Message) error {
		handled = append(handled, m)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, handled, 1)
	assert.Equal(t, "R1", string(handled[0].Key))
	require.Len(t, r.committed, 1)
	assert.Equal(t, int64(7), r.committed[0].Offset)
	assert.Equal(t, 4, r.fetched)
}

func TestConsumer_CancelledDuringFetchBackOff(t *testing.T) {
	r := &scriptedReader{fetches: []fetchResult{{err: errors.New("broker not available")}}}
	c := newConsumer(r, logger.NewNop())
	c.fetchBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Subscribe(ctx, func(context.Context, bus.Message) error { return nil }) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("subscribe ignored cancellation")
	}
}
