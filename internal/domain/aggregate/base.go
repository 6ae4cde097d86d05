package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
)

// ErrUnknownEventType is returned by Apply for an event type the aggregate
// does not recognize.
var ErrUnknownEventType = errors.New("unknown event type")

// Aggregate defines the interface for event-sourced aggregates. Concrete
// aggregates embed Base and implement Apply and AggregateType.
type Aggregate interface {
	AggregateID() string
	AggregateType() string
	Version() int
	// Apply is the pure state transition for one event. It serves both
	// freshly raised events and events replayed from the store.
	Apply(event store.Event) error
	Uncommitted() []store.Event
	MarkCommitted(version int)

	base() *Base
}

// Base carries identity, version and the queue of uncommitted events.
type Base struct {
	id          string
	version     int
	uncommitted []store.Event
}

// NewBase returns a Base for a nonexistent aggregate (version 0).
func NewBase(id string) Base {
	return Base{id: id}
}

func (b *Base) AggregateID() string { return b.id }
func (b *Base) Version() int        { return b.version }

// Exists reports whether at least one event has been committed or replayed.
func (b *Base) Exists() bool { return b.version > 0 || len(b.uncommitted) > 0 }

func (b *Base) Uncommitted() []store.Event {
	return append([]store.Event(nil), b.uncommitted...)
}

// MarkCommitted records a successful append and clears the queue.
func (b *Base) MarkCommitted(version int) {
	b.version = version
	b.uncommitted = nil
}

func (b *Base) base() *Base { return b }

// Raise builds a new event, applies it to agg and queues it for commit.
func Raise(agg Aggregate, eventType string, payload any, at time.Time) error {
	b := agg.base()
	event, err := store.NewEvent(agg.AggregateID(), agg.AggregateType(), eventType, payload, at)
	if err != nil {
		return err
	}
	event.Version = b.version + len(b.uncommitted) + 1
	if err := agg.Apply(event); err != nil {
		return fmt.Errorf("apply %s: %w", eventType, err)
	}
	b.uncommitted = append(b.uncommitted, event)
	return nil
}

// UnknownEventPolicy decides what rehydration does with an event type the
// aggregate does not recognize.
type UnknownEventPolicy string

const (
	// PolicySkip logs the event and advances the version without touching state.
	PolicySkip UnknownEventPolicy = "skip"
	// PolicyFail aborts rehydration with ErrUnknownEventType.
	PolicyFail UnknownEventPolicy = "fail"
)

func ParsePolicy(s string) (UnknownEventPolicy, error) {
	switch UnknownEventPolicy(s) {
	case PolicySkip, "":
		return PolicySkip, nil
	case PolicyFail:
		return PolicyFail, nil
	default:
		return "", fmt.Errorf("unknown event policy %q", s)
	}
}

// Rehydrator rebuilds aggregates from a snapshot and trailing events.
type Rehydrator struct {
	Policy UnknownEventPolicy
	Log    *logger.Logger
}

// Rehydrate restores agg from snapshot (when non-nil) and then applies
// events in ascending version order. Events must continue the version
// sequence exactly.
func (r Rehydrator) Rehydrate(agg Aggregate, snapshot *store.Snapshot, events []store.Event) error {
	b := agg.base()
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		b.version = snapshot.Version
	}

	for _, event := range events {
		if event.Version != b.version+1 {
			return fmt.Errorf("aggregate %s: event version %d does not follow %d", b.id, event.Version, b.version)
		}
		if err := agg.Apply(event); err != nil {
			if !errors.Is(err, ErrUnknownEventType) || r.Policy == PolicyFail {
				return fmt.Errorf("failed to apply event %s v%d: %w", event.Type, event.Version, err)
			}
			if r.Log != nil {
				r.Log.Warn("skipping unknown event type during rehydration",
					"aggregate_type", agg.AggregateType(),
					"aggregate_id", b.id,
					"event_type", event.Type,
					"schema_version", event.SchemaVersion,
					"version", event.Version,
				)
			}
		}
		b.version = event.Version
	}
	return nil
}

// Load rebuilds an aggregate, using a snapshot if available. A snapshot that
// cannot be read or decoded is ignored in favour of a full replay.
func Load[T Aggregate](
	ctx context.Context,
	events store.EventStore,
	snapshots store.SnapshotStore,
	r Rehydrator,
	id string,
	newAggregate func(id string) T,
) (T, error) {
	var zero T

	var snapshot *store.Snapshot
	if snapshots != nil {
		snap, err := snapshots.Load(ctx, id)
		if err != nil {
			if r.Log != nil {
				r.Log.Warn("snapshot load failed, replaying from start", "aggregate_id", id, "error", err)
			}
		} else {
			snapshot = snap
		}
	}

	if snapshot != nil {
		agg := newAggregate(id)
		trailing, err := events.LoadEvents(ctx, id, snapshot.Version)
		if err != nil {
			return zero, err
		}
		if err := r.Rehydrate(agg, snapshot, trailing); err == nil {
			return agg, nil
		} else if r.Log != nil {
			r.Log.Warn("snapshot unusable, replaying from start", "aggregate_id", id, "version", snapshot.Version, "error", err)
		}
	}

	agg := newAggregate(id)
	all, err := events.LoadEvents(ctx, id, 0)
	if err != nil {
		return zero, err
	}
	if err := r.Rehydrate(agg, nil, all); err != nil {
		return zero, apperr.New(apperr.CodeInternal, "aggregate.rehydrate", err.Error(), err)
	}
	return agg, nil
}

// NewSnapshot captures agg's current state. The aggregate's exported fields
// form the snapshot state.
func NewSnapshot(agg Aggregate) (store.Snapshot, error) {
	state, err := json.Marshal(agg)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to marshal aggregate state: %w", err)
	}
	return store.Snapshot{
		AggregateID:   agg.AggregateID(),
		AggregateType: agg.AggregateType(),
		Version:       agg.Version(),
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// MaybeCreateSnapshot saves a snapshot when the commit from fromVersion to
// the aggregate's current version crossed a multiple of every.
func MaybeCreateSnapshot(ctx context.Context, snapshots store.SnapshotStore, agg Aggregate, fromVersion, every int) (bool, error) {
	if snapshots == nil || !store.ShouldSnapshot(fromVersion, agg.Version(), every) {
		return false, nil
	}
	snapshot, err := NewSnapshot(agg)
	if err != nil {
		return false, err
	}
	if err := snapshots.Save(ctx, snapshot); err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return true, nil
}

// ForceSnapshot rebuilds id from its full history, ignoring any stored
// snapshot, and saves a snapshot at the latest version.
func ForceSnapshot[T Aggregate](
	ctx context.Context,
	events store.EventStore,
	snapshots store.SnapshotStore,
	r Rehydrator,
	id string,
	newAggregate func(id string) T,
) (store.Snapshot, error) {
	agg, err := Load(ctx, events, nil, r, id, newAggregate)
	if err != nil {
		return store.Snapshot{}, err
	}
	if agg.Version() == 0 {
		return store.Snapshot{}, apperr.NotFound("aggregate.force_snapshot", fmt.Sprintf("%s %s has no events", agg.AggregateType(), id))
	}
	snapshot, err := NewSnapshot(agg)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err := snapshots.Save(ctx, snapshot); err != nil {
		return store.Snapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return snapshot, nil
}
