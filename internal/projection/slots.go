package projection

import (
	"context"

	"github.com/example/parking-es/internal/domain/slot"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/readmodel"
)

var slotColumns = []string{
	"code", "level", "status", "reservation_id", "last_version", "created_at", "updated_at",
}

// Slots maintains read_slots.
type Slots struct {
	store *readmodel.Store
}

func NewSlots(s *readmodel.Store) *Slots {
	return &Slots{store: s}
}

func (p *Slots) Name() string { return "slots" }

func (p *Slots) Handles(eventType string) bool {
	switch eventType {
	case slot.EventSlotCreated, slot.EventSlotOccupied, slot.EventSlotReleased:
		return true
	}
	return false
}

func (p *Slots) Project(ctx context.Context, event store.Event) error {
	switch event.Type {
	case slot.EventSlotCreated:
		var e slot.SlotCreated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		return p.store.Upsert(ctx, &readmodel.SlotReadModel{
			ID:          event.AggregateID,
			Code:        e.Code,
			Level:       e.Level,
			Status:      string(slot.StatusAvailable),
			LastVersion: event.Version,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.CreatedAt,
		}, "read_slots", slotColumns)

	case slot.EventSlotOccupied:
		var e slot.SlotOccupied
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		return p.update(ctx, event, map[string]any{
			"status":         string(slot.StatusOccupied),
			"reservation_id": e.ReservationID,
			"updated_at":     e.OccupiedAt,
		})

	case slot.EventSlotReleased:
		var e slot.SlotReleased
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		return p.update(ctx, event, map[string]any{
			"status":         string(slot.StatusAvailable),
			"reservation_id": "",
			"updated_at":     e.ReleasedAt,
		})
	}
	return nil
}

func (p *Slots) update(ctx context.Context, event store.Event, updates map[string]any) error {
	_, err := p.store.UpdateIfNewer(ctx, &readmodel.SlotReadModel{}, event.AggregateID, event.Version, updates)
	return err
}

func (p *Slots) Reset(ctx context.Context) error {
	return p.store.Truncate(ctx, &readmodel.SlotReadModel{})
}
