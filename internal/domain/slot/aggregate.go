package slot

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

const AggregateType = "Slot"

type Status string

const (
	StatusAvailable Status = "available"
	StatusOccupied  Status = "occupied"
)

// Slot is one parking space. At most one reservation occupies it at a time.
type Slot struct {
	aggregate.Base

	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Level         int       `json:"level"`
	Status        Status    `json:"status"`
	ReservationID string    `json:"reservation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func New(id string) *Slot {
	return &Slot{Base: aggregate.NewBase(id)}
}

func (s *Slot) AggregateType() string { return AggregateType }

func (s *Slot) Create(code string, level int, now time.Time) error {
	if s.Exists() {
		return apperr.Invariant("slot.create", fmt.Sprintf("slot %s already exists", s.AggregateID()))
	}
	return aggregate.Raise(s, EventSlotCreated, SlotCreated{
		SlotID:    s.AggregateID(),
		Code:      strings.ToUpper(strings.TrimSpace(code)),
		Level:     level,
		CreatedAt: now.UTC(),
	}, now)
}

// Occupy assigns the slot to reservationID. Re-occupying by the same
// reservation raises nothing.
func (s *Slot) Occupy(reservationID string, now time.Time) error {
	const op = "slot.occupy"
	if !s.Exists() {
		return apperr.Invariant(op, fmt.Sprintf("slot %s does not exist", s.AggregateID()))
	}
	if s.Status == StatusOccupied {
		if s.ReservationID == reservationID {
			return nil
		}
		return apperr.Invariant(op, fmt.Sprintf("slot %s is occupied by reservation %s", s.Code, s.ReservationID))
	}
	return aggregate.Raise(s, EventSlotOccupied, SlotOccupied{
		SlotID:        s.AggregateID(),
		ReservationID: reservationID,
		OccupiedAt:    now.UTC(),
	}, now)
}

func (s *Slot) Release(now time.Time) error {
	const op = "slot.release"
	if !s.Exists() {
		return apperr.Invariant(op, fmt.Sprintf("slot %s does not exist", s.AggregateID()))
	}
	if s.Status != StatusOccupied {
		return apperr.Invariant(op, fmt.Sprintf("slot %s is not occupied", s.Code))
	}
	return aggregate.Raise(s, EventSlotReleased, SlotReleased{
		SlotID:        s.AggregateID(),
		ReservationID: s.ReservationID,
		ReleasedAt:    now.UTC(),
	}, now)
}

func (s *Slot) Apply(event store.Event) error {
	switch event.Type {
	case EventSlotCreated:
		var data SlotCreated
		if err := event.Decode(&data); err != nil {
			return err
		}
		s.ID = s.AggregateID()
		s.Code = data.Code
		s.Level = data.Level
		s.Status = StatusAvailable
		s.CreatedAt = data.CreatedAt
		s.UpdatedAt = data.CreatedAt
	case EventSlotOccupied:
		var data SlotOccupied
		if err := event.Decode(&data); err != nil {
			return err
		}
		s.Status = StatusOccupied
		s.ReservationID = data.ReservationID
		s.UpdatedAt = data.OccupiedAt
	case EventSlotReleased:
		var data SlotReleased
		if err := event.Decode(&data); err != nil {
			return err
		}
		s.Status = StatusAvailable
		s.ReservationID = ""
		s.UpdatedAt = data.ReleasedAt
	default:
		return fmt.Errorf("%w: %s", aggregate.ErrUnknownEventType, event.Type)
	}
	return nil
}

type Service struct {
	handler *command.Handler[*Slot]
	now     func() time.Time
}

func NewService(events store.EventStore, snapshots store.SnapshotStore, opts command.Options) *Service {
	return &Service{
		handler: command.NewHandler(events, snapshots, New, opts),
		now:     time.Now,
	}
}

func (s *Service) Create(ctx context.Context, cmd command.CreateSlot) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	id := cmd.SlotID
	if id == "" {
		id = uuid.New().String()
	}
	return s.handler.Create(ctx, id, func(sl *Slot) error {
		return sl.Create(cmd.Code, cmd.Level, s.now())
	})
}

func (s *Service) Occupy(ctx context.Context, cmd command.OccupySlot) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	return s.handler.Update(ctx, cmd.SlotID, func(sl *Slot) error {
		return sl.Occupy(cmd.ReservationID, s.now())
	})
}

func (s *Service) Release(ctx context.Context, cmd command.ReleaseSlot) (command.Result, error) {
	if strings.TrimSpace(cmd.SlotID) == "" {
		return command.Result{}, apperr.Validation("command.release_slot", "slot_id is required")
	}
	return s.handler.Update(ctx, cmd.SlotID, func(sl *Slot) error {
		return sl.Release(s.now())
	})
}
