// Package projection hosts the event consumer and the projections that
// keep read models up to date.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/metrics"
	"github.com/example/parking-es/internal/tracing"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second

	// poisonProjection labels dead letters for messages that never reached
	// a projection.
	poisonProjection = "consumer"
)

// Projection is an idempotent handler owning one read model. Project may
// see the same event more than once and events of different aggregates in
// any order.
type Projection interface {
	Name() string
	Handles(eventType string) bool
	Project(ctx context.Context, event store.Event) error
}

type Options struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	DeadLetters     bus.DeadLetterSink
	Metrics         *metrics.Metrics
	Log             *logger.Logger
	Now             func() time.Time
}

// Consumer routes delivered events to every registered projection that
// handles their type. Each projection runs in its own error boundary: it is
// retried with exponential backoff and dead-lettered when attempts run
// out, so one failing read model never holds up the others or the ack.
type Consumer struct {
	projections []Projection
	opts        Options
	log         *logger.Logger
}

func NewConsumer(opts Options, projections ...Projection) *Consumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{
		projections: projections,
		opts:        opts,
		log:         log.With("component", "projection_consumer"),
	}
}

// Register adds a projection. It must be called before Run.
func (c *Consumer) Register(p Projection) {
	c.projections = append(c.projections, p)
}

// Projections returns the registered projections.
func (c *Consumer) Projections() []Projection {
	return c.projections
}

// Run attaches the consumer to a subscription and blocks until it ends.
func (c *Consumer) Run(ctx context.Context, sub bus.Subscriber) error {
	c.log.Info("consumer started", "projections", len(c.projections))
	return sub.Subscribe(ctx, c.Handle)
}

// Handle processes one delivery. A nil return means the message may be
// acknowledged; an error is returned only when the message could not be
// dead-lettered or the consumer is shutting down.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) error {
	event, err := store.DecodeEnvelope(msg.Raw)
	if err != nil {
		c.log.Error("undecodable message", "key", string(msg.Key), "error", err)
		return c.deadLetter(ctx, bus.DeadLetter{
			Projection: poisonProjection,
			Raw:        msg.Raw,
			Error:      err.Error(),
			Attempts:   1,
		})
	}
	return c.Dispatch(ctx, event)
}

// Dispatch runs every projection subscribed to event's type.
func (c *Consumer) Dispatch(ctx context.Context, event store.Event) error {
	ctx, span := tracing.Tracer().Start(ctx, "projection.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("aggregate.id", event.AggregateID),
		attribute.Int("event.version", event.Version),
	)

	routed := false
	var errs error
	for _, p := range c.projections {
		if !p.Handles(event.Type) {
			continue
		}
		routed = true
		if err := c.project(ctx, p, event); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if !routed {
		c.log.Debug("no projection for event type", "type", event.Type, "aggregate_id", event.AggregateID)
	}
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
	}
	return errs
}

func (c *Consumer) project(ctx context.Context, p Projection, event store.Event) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, safeProject(ctx, p, event)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("projection failed, retrying",
				"projection", p.Name(), "event_id", event.ID, "type", event.Type,
				"attempt", attempts, "next", next, "error", err)
		}),
	)
	if err == nil {
		c.opts.Metrics.ProjectionEvent(p.Name(), "ok")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.opts.Metrics.ProjectionEvent(p.Name(), "failed")
	failed := event
	return c.deadLetter(ctx, bus.DeadLetter{
		Projection: p.Name(),
		Event:      &failed,
		Error:      err.Error(),
		Attempts:   attempts,
	})
}

func (c *Consumer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	return b
}

func (c *Consumer) deadLetter(ctx context.Context, dl bus.DeadLetter) error {
	dl.FailedAt = c.opts.Now().UTC()
	c.opts.Metrics.DeadLetter(dl.Projection)

	fields := []any{"projection", dl.Projection, "attempts", dl.Attempts, "error", dl.Error}
	if dl.Event != nil {
		fields = append(fields, "event_id", dl.Event.ID, "type", dl.Event.Type, "aggregate_id", dl.Event.AggregateID)
	}
	c.log.Error("message dead-lettered", fields...)

	if c.opts.DeadLetters == nil {
		return nil
	}
	if err := c.opts.DeadLetters.DeadLetter(ctx, dl); err != nil {
		return apperr.Wrap(apperr.CodeBrokerUnavailable, "projection.dead_letter", err)
	}
	return nil
}

// safeProject turns a panicking projection into an ordinary failure.
func safeProject(ctx context.Context, p Projection, event store.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.CodeProjectionFailure, "projection."+p.Name(), fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	if err := p.Project(ctx, event); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return apperr.Wrap(apperr.CodeProjectionFailure, "projection."+p.Name(), err)
	}
	return nil
}

// decodePayload decodes an event payload. A malformed payload will not get
// better on retry, so the error is permanent.
func decodePayload(event store.Event, v any) error {
	if err := event.Decode(v); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s payload of event %s: %w", event.Type, event.ID, err))
	}
	return nil
}
