package projection

import (
	"context"
	"fmt"

	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/domain/slot"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/readmodel"
)

// Activity appends every known event to read_activity.
type Activity struct {
	store *readmodel.Store
}

func NewActivity(s *readmodel.Store) *Activity {
	return &Activity{store: s}
}

func (p *Activity) Name() string { return "activity" }

func (p *Activity) Handles(eventType string) bool {
	switch eventType {
	case reservation.EventReservationCreated, reservation.EventReservationStatusChanged,
		slot.EventSlotCreated, slot.EventSlotOccupied, slot.EventSlotReleased,
		user.EventUserRegistered, user.EventUserProfileUpdated, user.EventUserDeactivated:
		return true
	}
	return false
}

func (p *Activity) Project(ctx context.Context, event store.Event) error {
	row := &readmodel.ActivityReadModel{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.Type,
		Version:       event.Version,
		OccurredAt:    event.OccurredAt,
	}
	if err := describe(event, row); err != nil {
		return err
	}
	return p.store.InsertActivity(ctx, row)
}

// describe fills in the summary and the acting user where the event names
// one.
func describe(event store.Event, row *readmodel.ActivityReadModel) error {
	switch event.Type {
	case reservation.EventReservationCreated:
		var e reservation.ReservationCreated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		row.UserID = e.UserID
		row.Summary = fmt.Sprintf("reservation created for slot %s", e.SlotID)
	case reservation.EventReservationStatusChanged:
		var e reservation.ReservationStatusChanged
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		row.UserID = e.UserID
		row.Summary = fmt.Sprintf("reservation %s -> %s", e.From, e.To)
	case slot.EventSlotCreated:
		var e slot.SlotCreated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		row.Summary = fmt.Sprintf("slot %s created on level %d", e.Code, e.Level)
	case slot.EventSlotOccupied:
		var e slot.SlotOccupied
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		row.Summary = fmt.Sprintf("slot occupied by reservation %s", e.ReservationID)
	case slot.EventSlotReleased:
		row.Summary = "slot released"
	case user.EventUserRegistered:
		row.UserID = event.AggregateID
		row.Summary = "user registered"
	case user.EventUserProfileUpdated:
		row.UserID = event.AggregateID
		row.Summary = "profile updated"
	case user.EventUserDeactivated:
		row.UserID = event.AggregateID
		row.Summary = "user deactivated"
	}
	return nil
}

func (p *Activity) Reset(ctx context.Context) error {
	return p.store.Truncate(ctx, &readmodel.ActivityReadModel{})
}
