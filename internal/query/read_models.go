package query

import (
	"context"

	"github.com/example/parking-es/internal/readmodel"
)

type ReservationReadModel = readmodel.ReservationReadModel
type SlotReadModel = readmodel.SlotReadModel
type UserReadModel = readmodel.UserReadModel
type ActivityReadModel = readmodel.ActivityReadModel

// ReadStore is the subset of the read-model store queries use.
type ReadStore interface {
	GetReservation(ctx context.Context, id string) (*ReservationReadModel, error)
	ListReservations(ctx context.Context, userID string, limit int) ([]ReservationReadModel, error)
	GetSlot(ctx context.Context, id string) (*SlotReadModel, error)
	ListSlots(ctx context.Context, status string) ([]SlotReadModel, error)
	GetUser(ctx context.Context, id string) (*UserReadModel, error)
	ListActivity(ctx context.Context, aggregateID, userID string, limit int) ([]ActivityReadModel, error)
}

var _ ReadStore = (*readmodel.Store)(nil)
