// Package query answers reads from the read models only; it never touches
// the event store.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/readmodel"
)

type Handler struct {
	readStore ReadStore
}

func NewHandler(readStore ReadStore) *Handler {
	return &Handler{readStore: readStore}
}

// Reservations
func (h *Handler) GetReservation(ctx context.Context, id string) (*ReservationReadModel, error) {
	r, err := h.readStore.GetReservation(ctx, id)
	return r, classify("query.get_reservation", "reservation", id, err)
}

func (h *Handler) ListReservationsByUser(ctx context.Context, userID string, limit int) ([]ReservationReadModel, error) {
	rows, err := h.readStore.ListReservations(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "query.list_reservations", err)
	}
	return nonNil(rows), nil
}

// ListAllReservations returns all reservations (for admin use)
func (h *Handler) ListAllReservations(ctx context.Context, limit int) ([]ReservationReadModel, error) {
	return h.ListReservationsByUser(ctx, "", limit)
}

// Slots
func (h *Handler) GetSlot(ctx context.Context, id string) (*SlotReadModel, error) {
	s, err := h.readStore.GetSlot(ctx, id)
	return s, classify("query.get_slot", "slot", id, err)
}

func (h *Handler) ListSlots(ctx context.Context, status string) ([]SlotReadModel, error) {
	rows, err := h.readStore.ListSlots(ctx, status)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "query.list_slots", err)
	}
	return nonNil(rows), nil
}

// Users
func (h *Handler) GetUser(ctx context.Context, id string) (*UserReadModel, error) {
	u, err := h.readStore.GetUser(ctx, id)
	return u, classify("query.get_user", "user", id, err)
}

// Activity
func (h *Handler) ListActivity(ctx context.Context, aggregateID, userID string, limit int) ([]ActivityReadModel, error) {
	rows, err := h.readStore.ListActivity(ctx, aggregateID, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "query.list_activity", err)
	}
	return nonNil(rows), nil
}

func classify(op, kind, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, readmodel.ErrNotFound):
		return apperr.NotFound(op, fmt.Sprintf("%s %s not found", kind, id))
	default:
		return apperr.Wrap(apperr.CodeStoreUnavailable, op, err)
	}
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
