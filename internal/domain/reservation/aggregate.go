package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/google/uuid"
)

const AggregateType = "Reservation"

type Status string

const (
	StatusPending    Status = "pending"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
	StatusCancelled  Status = "cancelled"
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:  {StatusCheckedOut, StatusCancelled},
	StatusCheckedOut: {}, // terminal state
	StatusCancelled:  {}, // terminal state
}

// ParseStatus validates a client-supplied status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validTransitions[status]; !ok {
		return "", apperr.Validation("reservation.parse_status", fmt.Sprintf("unknown status %q", s))
	}
	return status, nil
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

type Reservation struct {
	aggregate.Base

	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SlotID    string    `json:"slot_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a nonexistent reservation (version 0).
func New(id string) *Reservation {
	return &Reservation{Base: aggregate.NewBase(id)}
}

func (r *Reservation) AggregateType() string { return AggregateType }

// CanTransitionTo checks if the reservation can transition to the target status
func (r *Reservation) CanTransitionTo(target Status) bool {
	for _, s := range validTransitions[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Create records a new reservation.
func (r *Reservation) Create(userID, slotID string, start, end, now time.Time) error {
	if r.Exists() {
		return apperr.Invariant("reservation.create", fmt.Sprintf("reservation %s already exists", r.AggregateID()))
	}
	return aggregate.Raise(r, EventReservationCreated, ReservationCreated{
		ReservationID: r.AggregateID(),
		UserID:        userID,
		SlotID:        slotID,
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		CreatedAt:     now.UTC(),
	}, now)
}

// UpdateStatus moves the reservation to target. Requesting the current
// status raises nothing.
func (r *Reservation) UpdateStatus(target Status, now time.Time) error {
	const op = "reservation.update_status"
	if !r.Exists() {
		return apperr.Invariant(op, fmt.Sprintf("reservation %s does not exist", r.AggregateID()))
	}
	if target == r.Status {
		return nil
	}
	if !r.CanTransitionTo(target) {
		if r.Status.IsTerminal() {
			return apperr.Invariant(op, fmt.Sprintf("reservation is %s and cannot change", r.Status))
		}
		return apperr.Invariant(op, fmt.Sprintf("cannot transition from %s to %s", r.Status, target))
	}
	return aggregate.Raise(r, EventReservationStatusChanged, ReservationStatusChanged{
		ReservationID: r.AggregateID(),
		UserID:        r.UserID,
		From:          r.Status,
		To:            target,
		ChangedAt:     now.UTC(),
	}, now)
}

// Apply applies a single event to the reservation state
func (r *Reservation) Apply(event store.Event) error {
	switch event.Type {
	case EventReservationCreated:
		var data ReservationCreated
		if err := event.Decode(&data); err != nil {
			return err
		}
		r.ID = r.AggregateID()
		r.UserID = data.UserID
		r.SlotID = data.SlotID
		r.StartTime = data.StartTime
		r.EndTime = data.EndTime
		r.Status = StatusPending
		r.CreatedAt = data.CreatedAt
		r.UpdatedAt = data.CreatedAt
	case EventReservationStatusChanged:
		var data ReservationStatusChanged
		if err := event.Decode(&data); err != nil {
			return err
		}
		r.Status = data.To
		r.UpdatedAt = data.ChangedAt
	default:
		return fmt.Errorf("%w: %s", aggregate.ErrUnknownEventType, event.Type)
	}
	return nil
}

type Service struct {
	handler *command.Handler[*Reservation]
	now     func() time.Time
}

func NewService(events store.EventStore, snapshots store.SnapshotStore, opts command.Options) *Service {
	return &Service{
		handler: command.NewHandler(events, snapshots, New, opts),
		now:     time.Now,
	}
}

// Create validates cmd and records a pending reservation. A missing
// ReservationID is generated.
func (s *Service) Create(ctx context.Context, cmd command.CreateReservation) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	id := cmd.ReservationID
	if id == "" {
		id = uuid.New().String()
	}
	return s.handler.Create(ctx, id, func(r *Reservation) error {
		return r.Create(cmd.UserID, cmd.SlotID, cmd.StartTime, cmd.EndTime, s.now())
	})
}

func (s *Service) UpdateStatus(ctx context.Context, cmd command.UpdateReservationStatus) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	target, err := ParseStatus(cmd.Status)
	if err != nil {
		return command.Result{}, err
	}
	return s.handler.Update(ctx, cmd.ReservationID, func(r *Reservation) error {
		return r.UpdateStatus(target, s.now())
	})
}

// Get rebuilds a reservation from its events.
func (s *Service) Get(ctx context.Context, id string) (*Reservation, error) {
	r, err := s.handler.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Exists() {
		return nil, apperr.NotFound("reservation.get", fmt.Sprintf("reservation %s not found", id))
	}
	return r, nil
}
