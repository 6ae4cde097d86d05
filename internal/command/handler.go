package command

import (
	"context"
	"errors"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/metrics"
	"github.com/example/parking-es/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxRetries is the number of reload-and-retry rounds after a
// concurrency conflict.
const DefaultMaxRetries = 3

// Options configures a Handler. Zero values are usable.
type Options struct {
	MaxRetries    int
	SnapshotEvery int
	Rehydrator    aggregate.Rehydrator
	Publisher     bus.Publisher
	Metrics       *metrics.Metrics
	Log           *logger.Logger
}

// Result is returned for every successful command, including no-ops.
type Result struct {
	AggregateID string        `json:"aggregate_id"`
	Version     int           `json:"version"`
	Events      []store.Event `json:"events,omitempty"`
	State       any           `json:"state"`
}

type mode int

const (
	modeAny mode = iota
	modeCreate
	modeUpdate
)

// Handler runs commands against one aggregate type: load, execute, append,
// snapshot, publish.
type Handler[A aggregate.Aggregate] struct {
	events       store.EventStore
	snapshots    store.SnapshotStore
	newAggregate func(id string) A
	opts         Options
	log          *logger.Logger
}

func NewHandler[A aggregate.Aggregate](
	events store.EventStore,
	snapshots store.SnapshotStore,
	newAggregate func(id string) A,
	opts Options,
) *Handler[A] {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.SnapshotEvery == 0 {
		opts.SnapshotEvery = store.SnapshotThreshold
	}
	if opts.Rehydrator.Policy == "" {
		opts.Rehydrator.Policy = aggregate.PolicySkip
	}
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Rehydrator.Log == nil {
		opts.Rehydrator.Log = log
	}
	return &Handler[A]{
		events:       events,
		snapshots:    snapshots,
		newAggregate: newAggregate,
		opts:         opts,
		log:          log.With("component", "command"),
	}
}

// Load rebuilds the aggregate without executing anything.
func (h *Handler[A]) Load(ctx context.Context, id string) (A, error) {
	agg, err := aggregate.Load(ctx, h.events, h.snapshots, h.opts.Rehydrator, id, h.newAggregate)
	if err != nil {
		return agg, apperr.Wrap(apperr.CodeStoreUnavailable, "command.load", err)
	}
	return agg, nil
}

// Execute runs fn against the current state of aggregate id, whether or not
// it exists yet.
func (h *Handler[A]) Execute(ctx context.Context, id string, fn func(A) error) (Result, error) {
	return h.run(ctx, modeAny, id, fn)
}

// Create runs fn against a nonexistent aggregate; an existing one is an
// invariant violation.
func (h *Handler[A]) Create(ctx context.Context, id string, fn func(A) error) (Result, error) {
	return h.run(ctx, modeCreate, id, fn)
}

// Update runs fn against an existing aggregate; a missing one is not found.
func (h *Handler[A]) Update(ctx context.Context, id string, fn func(A) error) (Result, error) {
	return h.run(ctx, modeUpdate, id, fn)
}

func (h *Handler[A]) run(ctx context.Context, m mode, id string, fn func(A) error) (result Result, err error) {
	aggType := h.newAggregate(id).AggregateType()
	ctx, span := tracing.Tracer().Start(ctx, "command.Handle")
	span.SetAttributes(
		attribute.String("aggregate.type", aggType),
		attribute.String("aggregate.id", id),
	)
	start := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		h.opts.Metrics.ObserveCommand(aggType, outcome, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	const op = "command.execute"
	if id == "" {
		return Result{}, apperr.Validation(op, "aggregate id is required")
	}

	for attempt := 0; ; attempt++ {
		agg, err := h.Load(ctx, id)
		if err != nil {
			return Result{}, err
		}
		exists := agg.Version() > 0
		switch {
		case m == modeCreate && exists:
			return Result{}, apperr.Invariant(op, aggType+" "+id+" already exists")
		case m == modeUpdate && !exists:
			return Result{}, apperr.NotFound(op, aggType+" "+id+" not found")
		}

		fromVersion := agg.Version()
		if err := fn(agg); err != nil {
			return Result{}, err
		}

		pending := agg.Uncommitted()
		if len(pending) == 0 {
			return Result{AggregateID: id, Version: fromVersion, State: agg}, nil
		}

		newVersion, err := h.append(ctx, id, fromVersion, pending)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			h.opts.Metrics.Conflict(aggType)
			if attempt < h.opts.MaxRetries {
				h.log.Info("concurrency conflict, reloading",
					"aggregate_type", aggType, "aggregate_id", id,
					"expected_version", fromVersion, "attempt", attempt+1)
				continue
			}
			return Result{}, apperr.Conflict(op, err)
		}
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeValidation {
				return Result{}, err
			}
			return Result{}, apperr.Wrap(apperr.CodeStoreUnavailable, op, err)
		}

		agg.MarkCommitted(newVersion)
		h.opts.Metrics.EventsAppended(aggType, len(pending))
		h.snapshot(ctx, agg, fromVersion)
		h.publish(ctx, pending)

		return Result{AggregateID: id, Version: newVersion, Events: pending, State: agg}, nil
	}
}

func (h *Handler[A]) append(ctx context.Context, id string, expected int, events []store.Event) (int, error) {
	ctx, span := tracing.Tracer().Start(ctx, "eventstore.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("aggregate.id", id),
		attribute.Int("expected_version", expected),
		attribute.Int("events", len(events)),
	)
	v, err := h.events.Append(ctx, id, expected, events)
	if err != nil {
		span.RecordError(err)
	}
	return v, err
}

// snapshot never fails the command.
func (h *Handler[A]) snapshot(ctx context.Context, agg A, fromVersion int) {
	taken, err := aggregate.MaybeCreateSnapshot(ctx, h.snapshots, agg, fromVersion, h.opts.SnapshotEvery)
	switch {
	case err != nil:
		h.opts.Metrics.Snapshot(agg.AggregateType(), "failed")
		h.log.Warn("failed to save snapshot",
			"aggregate_type", agg.AggregateType(), "aggregate_id", agg.AggregateID(),
			"version", agg.Version(), "error", err)
	case taken:
		h.opts.Metrics.Snapshot(agg.AggregateType(), "saved")
	}
}

// publish runs after the commit; a failure is logged and the command still
// succeeds.
func (h *Handler[A]) publish(ctx context.Context, events []store.Event) {
	if h.opts.Publisher == nil {
		return
	}
	if err := h.opts.Publisher.Publish(ctx, events...); err != nil {
		h.opts.Metrics.PublishFailed()
		h.log.Error("failed to publish committed events",
			"aggregate_id", events[0].AggregateID,
			"first_version", events[0].Version,
			"count", len(events),
			"error", apperr.Wrap(apperr.CodeBrokerUnavailable, "command.publish", err))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code := apperr.CodeOf(err); code != "" {
		return string(code)
	}
	return string(apperr.CodeInternal)
}
