package projection

import (
	"context"

	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/readmodel"
)

var reservationColumns = []string{
	"user_id", "slot_id", "start_time", "end_time", "status", "last_version", "created_at", "updated_at",
}

// Reservations maintains read_reservations.
type Reservations struct {
	store *readmodel.Store
}

func NewReservations(s *readmodel.Store) *Reservations {
	return &Reservations{store: s}
}

func (p *Reservations) Name() string { return "reservations" }

func (p *Reservations) Handles(eventType string) bool {
	switch eventType {
	case reservation.EventReservationCreated, reservation.EventReservationStatusChanged:
		return true
	}
	return false
}

func (p *Reservations) Project(ctx context.Context, event store.Event) error {
	switch event.Type {
	case reservation.EventReservationCreated:
		var e reservation.ReservationCreated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		return p.store.Upsert(ctx, &readmodel.ReservationReadModel{
			ID:          event.AggregateID,
			UserID:      e.UserID,
			SlotID:      e.SlotID,
			StartTime:   e.StartTime,
			EndTime:     e.EndTime,
			Status:      string(reservation.StatusPending),
			LastVersion: event.Version,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.CreatedAt,
		}, "read_reservations", reservationColumns)

	case reservation.EventReservationStatusChanged:
		var e reservation.ReservationStatusChanged
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		_, err := p.store.UpdateIfNewer(ctx, &readmodel.ReservationReadModel{}, event.AggregateID, event.Version, map[string]any{
			"status":     string(e.To),
			"updated_at": e.ChangedAt,
		})
		return err
	}
	return nil
}

func (p *Reservations) Reset(ctx context.Context) error {
	return p.store.Truncate(ctx, &readmodel.ReservationReadModel{})
}
