package readmodel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	s := NewStore(db)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

var reservationColumns = []string{"user_id", "slot_id", "start_time", "end_time", "status", "last_version", "created_at", "updated_at"}

// ============================================
// Upsert Tests
// ============================================

func TestStore_UpsertTwiceKeepsOneRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	row := &ReservationReadModel{ID: "R1", UserID: "u1", SlotID: "s1", Status: "pending", LastVersion: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Upsert(ctx, row, "read_reservations", reservationColumns))
	dup := *row
	require.NoError(t, s.Upsert(ctx, &dup, "read_reservations", reservationColumns))

	var count int64
	require.NoError(t, s.DB().Model(&ReservationReadModel{}).Where("id = ?", "R1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_UpsertDoesNotRegress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &ReservationReadModel{ID: "R1", Status: "checked_in", LastVersion: 2}, "read_reservations", reservationColumns))
	require.NoError(t, s.Upsert(ctx, &ReservationReadModel{ID: "R1", Status: "pending", LastVersion: 1}, "read_reservations", reservationColumns))

	got, err := s.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "checked_in", got.Status)
	assert.Equal(t, 2, got.LastVersion)
}

// ============================================
// Conditional Update Tests
// ============================================

func TestStore_UpdateIfNewer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &ReservationReadModel{ID: "R1", Status: "pending", LastVersion: 1}, "read_reservations", reservationColumns))

	changed, err := s.UpdateIfNewer(ctx, &ReservationReadModel{}, "R1", 2, map[string]any{"status": "checked_in"})
	require.NoError(t, err)
	assert.True(t, changed)

	// duplicate delivery
	changed, err = s.UpdateIfNewer(ctx, &ReservationReadModel{}, "R1", 2, map[string]any{"status": "cancelled"})
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "checked_in", got.Status)
	assert.Equal(t, 2, got.LastVersion)
}

func TestStore_UpdateIfNewer_MissingRowIsNoop(t *testing.T) {
	s := newTestStore(t)

	changed, err := s.UpdateIfNewer(context.Background(), &SlotReadModel{}, "nope", 3, map[string]any{"status": "occupied"})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.GetSlot(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================
// Activity Tests
// ============================================

func TestStore_InsertActivityIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	row := &ActivityReadModel{EventID: "e1", AggregateID: "R1", EventType: "ReservationCreated", Version: 1, UserID: "u1", OccurredAt: base}
	require.NoError(t, s.InsertActivity(ctx, row))
	require.NoError(t, s.InsertActivity(ctx, &ActivityReadModel{EventID: "e1", AggregateID: "R1", Summary: "changed", OccurredAt: base}))
	require.NoError(t, s.InsertActivity(ctx, &ActivityReadModel{EventID: "e2", AggregateID: "R1", Version: 2, UserID: "u1", OccurredAt: base.Add(time.Minute)}))
	require.NoError(t, s.InsertActivity(ctx, &ActivityReadModel{EventID: "e3", AggregateID: "S1", Version: 1, OccurredAt: base.Add(2 * time.Minute)}))

	all, err := s.ListActivity(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].EventID)
	assert.Equal(t, "", all[2].Summary)

	forR1, err := s.ListActivity(ctx, "R1", "", 10)
	require.NoError(t, err)
	assert.Len(t, forR1, 2)

	forUser, err := s.ListActivity(ctx, "", "u1", 10)
	require.NoError(t, err)
	assert.Len(t, forUser, 2)
}

// ============================================
// Query Tests
// ============================================

func TestStore_NotificationLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sent, err := s.NotificationSent(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, sent)

	row := &NotificationReadModel{EventID: "e1", Recipient: "a@example.com", Subject: "Reservation confirmed", SentAt: time.Now().UTC()}
	require.NoError(t, s.RecordNotification(ctx, row))
	require.NoError(t, s.RecordNotification(ctx, row))

	sent, err = s.NotificationSent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, sent)

	var n int64
	require.NoError(t, s.DB().Model(&NotificationReadModel{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestStore_ListSlotsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cols := []string{"code", "level", "status", "reservation_id", "last_version", "created_at", "updated_at"}
	for _, row := range []*SlotReadModel{
		{ID: "s3", Code: "B1", Level: 2, Status: "available", LastVersion: 1},
		{ID: "s1", Code: "A2", Level: 1, Status: "occupied", LastVersion: 2},
		{ID: "s2", Code: "A1", Level: 1, Status: "available", LastVersion: 1},
	} {
		require.NoError(t, s.Upsert(ctx, row, "read_slots", cols))
	}

	all, err := s.ListSlots(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"A1", "A2", "B1"}, []string{all[0].Code, all[1].Code, all[2].Code})

	available, err := s.ListSlots(ctx, "available")
	require.NoError(t, err)
	assert.Len(t, available, 2)
}

func TestStore_Truncate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertActivity(ctx, &ActivityReadModel{EventID: "e1", OccurredAt: time.Now()}))

	require.NoError(t, s.Truncate(ctx, &ActivityReadModel{}))

	rows, err := s.ListActivity(ctx, "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
