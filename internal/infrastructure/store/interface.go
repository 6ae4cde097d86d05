package store

import (
	"context"
	"errors"
)

// ErrConcurrencyConflict is returned by Append when the aggregate's
// latest-version marker does not equal the expected version. Nothing is
// written in that case; the caller may reload and retry.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// EventStore is the durable, per-aggregate, append-only event log.
type EventStore interface {
	// Append atomically checks that the aggregate is at expectedVersion and
	// stores events as versions expectedVersion+1.. in order. The assigned
	// versions are written back into events. It returns the new latest
	// version.
	Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) (int, error)

	// LoadEvents returns the events with version > fromVersion in ascending
	// version order.
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error)
}

// EventLog reads the store's global log in commit-position order. It is used
// to rebuild read models; it does not imply any ordering guarantee across
// aggregates beyond what a single store observed.
type EventLog interface {
	LoadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error)
}

// SnapshotStore caches materialized aggregate state. It is never the
// source of truth.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot Snapshot) error
	// Load returns the highest-version snapshot, or nil when none exists.
	Load(ctx context.Context, aggregateID string) (*Snapshot, error)
}
