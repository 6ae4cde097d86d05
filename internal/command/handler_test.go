package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/infrastructure/store/mocks"
	"github.com/example/parking-es/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a minimal aggregate: it exists after Open and counts Adds.
type counter struct {
	aggregate.Base
	Opened bool `json:"opened"`
	Total  int  `json:"total"`
}

func newCounter(id string) *counter { return &counter{Base: aggregate.NewBase(id)} }

func (c *counter) AggregateType() string { return "Counter" }

func (c *counter) Apply(e store.Event) error {
	switch e.Type {
	case "Opened":
		c.Opened = true
	case "Added":
		var p struct {
			N int `json:"n"`
		}
		if err := e.Decode(&p); err != nil {
			return err
		}
		c.Total += p.N
	default:
		return fmt.Errorf("%w: %s", aggregate.ErrUnknownEventType, e.Type)
	}
	return nil
}

func (c *counter) open() error {
	return aggregate.Raise(c, "Opened", struct{}{}, time.Now())
}

func (c *counter) add(n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 {
		return apperr.Invariant("counter.add", "negative")
	}
	return aggregate.Raise(c, "Added", map[string]int{"n": n}, time.Now())
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []store.Event
	err     error
	onCheck func(store.Event)
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...store.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		if p.onCheck != nil {
			p.onCheck(e)
		}
	}
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func newTestHandler(opts Options) (*Handler[*counter], *mocks.MockEventStore, *mocks.MockSnapshotStore) {
	events := mocks.NewMockEventStore()
	snapshots := mocks.NewMockSnapshotStore()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return NewHandler(events, snapshots, newCounter, opts), events, snapshots
}

// ============================================
// Execute Tests
// ============================================

func TestHandler_CreateThenUpdate(t *testing.T) {
	pub := &recordingPublisher{}
	h, events, _ := newTestHandler(Options{Publisher: pub})
	ctx := context.Background()

	res, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	res, err = h.Update(ctx, "c1", func(c *counter) error {
		if err := c.add(2); err != nil {
			return err
		}
		return c.add(3)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, 5, res.State.(*counter).Total)

	require.Len(t, res.Events, 2)
	assert.Equal(t, 2, res.Events[0].Version)
	assert.Equal(t, 3, res.Events[1].Version)
	assert.Len(t, events.GetEvents("c1"), 3)

	require.Len(t, pub.events, 3)
	for i, e := range pub.events {
		assert.Equal(t, i+1, e.Version, "published in commit order")
	}
}

func TestHandler_NoEventsMeansNoStoreWrite(t *testing.T) {
	pub := &recordingPublisher{}
	h, events, _ := newTestHandler(Options{Publisher: pub})
	ctx := context.Background()
	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)

	res, err := h.Update(ctx, "c1", func(c *counter) error { return c.add(0) })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Empty(t, res.Events)
	assert.Len(t, events.AppendCalls, 1)
	assert.Len(t, pub.events, 1)
}

func TestHandler_InvariantViolationSkipsStore(t *testing.T) {
	h, events, _ := newTestHandler(Options{})
	ctx := context.Background()
	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)

	_, err = h.Update(ctx, "c1", func(c *counter) error { return c.add(-1) })
	assert.True(t, apperr.IsCode(err, apperr.CodeInvariant))
	assert.Len(t, events.AppendCalls, 1)
}

func TestHandler_CreateExistingAndUpdateMissing(t *testing.T) {
	h, _, _ := newTestHandler(Options{})
	ctx := context.Background()

	_, err := h.Update(ctx, "c1", func(c *counter) error { return c.add(1) })
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, err = h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	_, err = h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	assert.True(t, apperr.IsCode(err, apperr.CodeInvariant))
}

func TestHandler_EmptyIDIsValidation(t *testing.T) {
	h, _, _ := newTestHandler(Options{})
	_, err := h.Execute(context.Background(), "", func(c *counter) error { return nil })
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

// ============================================
// Concurrency Conflict Tests
// ============================================

func TestHandler_ConflictSurfacedAfterRetries(t *testing.T) {
	h, events, _ := newTestHandler(Options{MaxRetries: 2})
	events.AppendCallback = func(ctx context.Context, id string, expected int, evs []store.Event) (int, error) {
		return 0, store.ErrConcurrencyConflict
	}

	_, err := h.Execute(context.Background(), "c1", func(c *counter) error { return c.open() })
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
	assert.True(t, apperr.Retryable(err))
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Len(t, events.AppendCalls, 3, "first attempt plus two retries")
}

func TestHandler_RetryReloadsAndReexecutes(t *testing.T) {
	h, events, _ := newTestHandler(Options{MaxRetries: 1})
	ctx := context.Background()
	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)

	calls := 0
	events.AppendCallback = func(ctx context.Context, id string, expected int, evs []store.Event) (int, error) {
		if calls == 0 {
			other := newCounter(id)
			other.MarkCommitted(1)
			require.NoError(t, other.add(10))
			_, err := events.AppendDirect(id, 1, other.Uncommitted())
			require.NoError(t, err)
		}
		calls++
		return events.AppendDirect(id, expected, evs)
	}

	var seen []int
	res, err := h.Update(ctx, "c1", func(c *counter) error {
		seen = append(seen, c.Total)
		return c.add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10}, seen, "second attempt sees the competing write")
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, 11, res.State.(*counter).Total)
}

// ============================================
// Store and Broker Failure Tests
// ============================================

func TestHandler_StoreFailureIsStoreUnavailable(t *testing.T) {
	pub := &recordingPublisher{}
	h, events, _ := newTestHandler(Options{Publisher: pub})
	boom := errors.New("disk full")
	events.AppendErr = boom

	_, err := h.Create(context.Background(), "c1", func(c *counter) error { return c.open() })
	assert.True(t, apperr.IsCode(err, apperr.CodeStoreUnavailable))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pub.events, "nothing is published when the commit failed")
}

func TestHandler_LoadFailureIsStoreUnavailable(t *testing.T) {
	h, events, _ := newTestHandler(Options{})
	events.LoadErr = errors.New("connection refused")

	_, err := h.Execute(context.Background(), "c1", func(c *counter) error { return c.open() })
	assert.True(t, apperr.IsCode(err, apperr.CodeStoreUnavailable))
	assert.Empty(t, events.AppendCalls)
}

func TestHandler_PublishFailureDoesNotFailCommand(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	h, events, _ := newTestHandler(Options{Publisher: pub})

	res, err := h.Create(context.Background(), "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Len(t, events.GetEvents("c1"), 1)
}

func TestHandler_PublishHappensAfterCommit(t *testing.T) {
	events := mocks.NewMockEventStore()
	pub := &recordingPublisher{}
	pub.onCheck = func(e store.Event) {
		stored := events.GetEvents(e.AggregateID)
		assert.GreaterOrEqual(t, len(stored), e.Version, "event published before it was committed")
	}
	h := NewHandler(events, nil, newCounter, Options{Publisher: pub})

	_, err := h.Create(context.Background(), "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	assert.Len(t, pub.events, 1)
}

// ============================================
// Snapshot Tests
// ============================================

func TestHandler_SnapshotEveryN(t *testing.T) {
	h, _, snapshots := newTestHandler(Options{SnapshotEvery: 2})
	ctx := context.Background()

	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	assert.Empty(t, snapshots.SaveCalls)

	for i := 0; i < 3; i++ {
		_, err = h.Update(ctx, "c1", func(c *counter) error { return c.add(1) })
		require.NoError(t, err)
	}
	require.Len(t, snapshots.SaveCalls, 2)
	assert.Equal(t, 2, snapshots.SaveCalls[0].Version)
	assert.Equal(t, 4, snapshots.SaveCalls[1].Version)

	var state counter
	require.NoError(t, json.Unmarshal(snapshots.SaveCalls[1].State, &state))
	assert.Equal(t, 3, state.Total)
}

func TestHandler_SnapshotFailureDoesNotFailCommand(t *testing.T) {
	h, _, snapshots := newTestHandler(Options{SnapshotEvery: 1})
	snapshots.SaveErr = errors.New("snapshot table missing")

	res, err := h.Create(context.Background(), "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Len(t, snapshots.SaveCalls, 1)
}

func TestHandler_LoadUsesSnapshotAndTrailingEvents(t *testing.T) {
	h, _, snapshots := newTestHandler(Options{SnapshotEvery: 2})
	ctx := context.Background()
	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.Update(ctx, "c1", func(c *counter) error { return c.add(5) })
		require.NoError(t, err)
	}

	c, err := h.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Version())
	assert.Equal(t, 10, c.Total)
	assert.Len(t, snapshots.SaveCalls, 1)
}

func TestHandler_UnreadableSnapshotFallsBackToReplay(t *testing.T) {
	h, _, snapshots := newTestHandler(Options{SnapshotEvery: 100})
	ctx := context.Background()
	_, err := h.Create(ctx, "c1", func(c *counter) error { return c.open() })
	require.NoError(t, err)
	_, err = h.Update(ctx, "c1", func(c *counter) error { return c.add(4) })
	require.NoError(t, err)

	snapshots.Put(store.Snapshot{AggregateID: "c1", Version: 2, State: json.RawMessage(`{"total":"not a number"}`)})
	c, err := h.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Total)

	snapshots.LoadErr = errors.New("cache down")
	c, err = h.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Total)
}

func TestHandler_UnknownEventPolicyFail(t *testing.T) {
	events := mocks.NewMockEventStore()
	require.NoError(t, events.AddEvent("c1", "Counter", "Opened", struct{}{}))
	require.NoError(t, events.AddEvent("c1", "Counter", "Renamed", map[string]string{"to": "x"}))

	skip := NewHandler(events, nil, newCounter, Options{})
	c, err := skip.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version())

	fail := NewHandler(events, nil, newCounter, Options{Rehydrator: aggregate.Rehydrator{Policy: aggregate.PolicyFail}})
	_, err = fail.Load(context.Background(), "c1")
	assert.ErrorIs(t, err, aggregate.ErrUnknownEventType)
	assert.True(t, apperr.IsCode(err, apperr.CodeInternal))
}
