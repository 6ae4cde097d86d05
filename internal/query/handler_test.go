package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/readmodel"
)

func newTestQueryHandler(t *testing.T) (*Handler, *readmodel.Store) {
	t.Helper()
	db, err := readmodel.OpenSQLite(":memory:")
	require.NoError(t, err)
	rs := readmodel.NewStore(db)
	require.NoError(t, rs.AutoMigrate())
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewHandler(rs), rs
}

// ============================================
// Reservation Query Tests
// ============================================

func TestHandler_GetReservation_Found(t *testing.T) {
	handler, rs := newTestQueryHandler(t)
	ctx := context.Background()
	require.NoError(t, rs.DB().Create(&ReservationReadModel{ID: "R1", UserID: "u1", Status: "pending", LastVersion: 1}).Error)

	r, err := handler.GetReservation(ctx, "R1")

	require.NoError(t, err)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, "pending", r.Status)
}

func TestHandler_GetReservation_NotFound(t *testing.T) {
	handler, _ := newTestQueryHandler(t)

	r, err := handler.GetReservation(context.Background(), "non-existent")

	assert.Nil(t, r)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestHandler_ListReservationsByUser(t *testing.T) {
	handler, rs := newTestQueryHandler(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rs.DB().Create(&[]ReservationReadModel{
		{ID: "R1", UserID: "u1", LastVersion: 1, CreatedAt: base},
		{ID: "R2", UserID: "u2", LastVersion: 1, CreatedAt: base.Add(time.Hour)},
		{ID: "R3", UserID: "u1", LastVersion: 1, CreatedAt: base.Add(2 * time.Hour)},
	}).Error)

	mine, err := handler.ListReservationsByUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "R3", mine[0].ID)

	all, err := handler.ListAllReservations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ============================================
// Slot Query Tests
// ============================================

func TestHandler_ListSlots_Empty(t *testing.T) {
	handler, _ := newTestQueryHandler(t)

	slots, err := handler.ListSlots(context.Background(), "")

	require.NoError(t, err)
	assert.NotNil(t, slots)
	assert.Empty(t, slots)
}

func TestHandler_GetSlot_NotFound(t *testing.T) {
	handler, _ := newTestQueryHandler(t)

	_, err := handler.GetSlot(context.Background(), "nope")

	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

// ============================================
// Error Classification Tests
// ============================================

type brokenStore struct{ ReadStore }

func (brokenStore) GetUser(context.Context, string) (*UserReadModel, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) ListActivity(context.Context, string, string, int) ([]ActivityReadModel, error) {
	return nil, errors.New("connection refused")
}

func TestHandler_StoreFailureIsUnavailable(t *testing.T) {
	handler := NewHandler(brokenStore{})

	_, err := handler.GetUser(context.Background(), "u1")
	assert.True(t, apperr.IsCode(err, apperr.CodeStoreUnavailable))

	_, err = handler.ListActivity(context.Background(), "", "", 10)
	assert.True(t, apperr.IsCode(err, apperr.CodeStoreUnavailable))
}
