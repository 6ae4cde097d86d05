package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/domain/slot"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/infrastructure/bus"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/readmodel"
)

func newReadStore(t *testing.T) *readmodel.Store {
	t.Helper()
	db, err := readmodel.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := readmodel.NewStore(db)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s
}

func makeEvent(t *testing.T, aggregateID, aggregateType, eventType string, version int, payload any) store.Event {
	t.Helper()
	e, err := store.NewEvent(aggregateID, aggregateType, eventType, payload, time.Now())
	require.NoError(t, err)
	e.Version = version
	return e
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func reservationCreated(t *testing.T, id string) store.Event {
	return makeEvent(t, id, reservation.AggregateType, reservation.EventReservationCreated, 1, reservation.ReservationCreated{
		ReservationID: id,
		UserID:        "u1",
		SlotID:        "s1",
		StartTime:     t0.Add(time.Hour),
		EndTime:       t0.Add(3 * time.Hour),
		CreatedAt:     t0,
	})
}

func statusChanged(t *testing.T, id string, version int, from, to reservation.Status) store.Event {
	return makeEvent(t, id, reservation.AggregateType, reservation.EventReservationStatusChanged, version, reservation.ReservationStatusChanged{
		ReservationID: id,
		From:          from,
		To:            to,
		ChangedAt:     t0.Add(time.Duration(version) * time.Minute),
	})
}

func countRows(t *testing.T, s *readmodel.Store, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(model).Count(&n).Error)
	return n
}

// ============================================
// Reservation Projection Tests
// ============================================

func TestReservations_DuplicateCreationYieldsOneRow(t *testing.T) {
	rs := newReadStore(t)
	p := NewReservations(rs)
	ctx := context.Background()
	created := reservationCreated(t, "R1")

	require.NoError(t, p.Project(ctx, created))
	require.NoError(t, p.Project(ctx, created))

	assert.Equal(t, int64(1), countRows(t, rs, &readmodel.ReservationReadModel{}))
	row, err := rs.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, "s1", row.SlotID)
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, 1, row.LastVersion)
}

func TestReservations_StatusChangeIsIdempotent(t *testing.T) {
	rs := newReadStore(t)
	p := NewReservations(rs)
	ctx := context.Background()

	require.NoError(t, p.Project(ctx, reservationCreated(t, "R1")))
	checkIn := statusChanged(t, "R1", 2, reservation.StatusPending, reservation.StatusCheckedIn)
	require.NoError(t, p.Project(ctx, checkIn))
	require.NoError(t, p.Project(ctx, checkIn))

	row, err := rs.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "checked_in", row.Status)
	assert.Equal(t, 2, row.LastVersion)
}

func TestReservations_StaleDeliveryDoesNotRegress(t *testing.T) {
	rs := newReadStore(t)
	p := NewReservations(rs)
	ctx := context.Background()

	created := reservationCreated(t, "R1")
	require.NoError(t, p.Project(ctx, created))
	require.NoError(t, p.Project(ctx, statusChanged(t, "R1", 2, reservation.StatusPending, reservation.StatusCheckedIn)))
	require.NoError(t, p.Project(ctx, statusChanged(t, "R1", 3, reservation.StatusCheckedIn, reservation.StatusCheckedOut)))

	// redelivery of older events
	require.NoError(t, p.Project(ctx, statusChanged(t, "R1", 2, reservation.StatusPending, reservation.StatusCheckedIn)))
	require.NoError(t, p.Project(ctx, created))

	row, err := rs.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "checked_out", row.Status)
	assert.Equal(t, 3, row.LastVersion)
}

func TestReservations_UpdateBeforeCreateIsNoop(t *testing.T) {
	rs := newReadStore(t)
	p := NewReservations(rs)

	err := p.Project(context.Background(), statusChanged(t, "R9", 2, reservation.StatusPending, reservation.StatusCancelled))
	require.NoError(t, err)

	_, err = rs.GetReservation(context.Background(), "R9")
	assert.ErrorIs(t, err, readmodel.ErrNotFound)
}

// ============================================
// Slot Projection Tests
// ============================================

func TestSlots_OccupyAndRelease(t *testing.T) {
	rs := newReadStore(t)
	p := NewSlots(rs)
	ctx := context.Background()

	require.NoError(t, p.Project(ctx, makeEvent(t, "s1", slot.AggregateType, slot.EventSlotCreated, 1,
		slot.SlotCreated{SlotID: "s1", Code: "A1", Level: 1, CreatedAt: t0})))
	require.NoError(t, p.Project(ctx, makeEvent(t, "s1", slot.AggregateType, slot.EventSlotOccupied, 2,
		slot.SlotOccupied{SlotID: "s1", ReservationID: "R1", OccupiedAt: t0})))

	row, err := rs.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "occupied", row.Status)
	assert.Equal(t, "R1", row.ReservationID)

	require.NoError(t, p.Project(ctx, makeEvent(t, "s1", slot.AggregateType, slot.EventSlotReleased, 3,
		slot.SlotReleased{SlotID: "s1", ReservationID: "R1", ReleasedAt: t0})))

	row, err = rs.GetSlot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "available", row.Status)
	assert.Empty(t, row.ReservationID)
	assert.Equal(t, 3, row.LastVersion)
}

// ============================================
// User Projection Tests
// ============================================

func TestUsers_RegisterUpdateDeactivate(t *testing.T) {
	rs := newReadStore(t)
	p := NewUsers(rs)
	ctx := context.Background()

	require.NoError(t, p.Project(ctx, makeEvent(t, "u1", user.AggregateType, user.EventUserRegistered, 1,
		user.UserRegistered{UserID: "u1", Email: "a@example.com", PasswordHash: "secret-hash", Name: "Ann", Role: "customer", RegisteredAt: t0})))
	require.NoError(t, p.Project(ctx, makeEvent(t, "u1", user.AggregateType, user.EventUserProfileUpdated, 2,
		user.UserProfileUpdated{UserID: "u1", Name: "Annie", UpdatedAt: t0})))
	require.NoError(t, p.Project(ctx, makeEvent(t, "u1", user.AggregateType, user.EventUserDeactivated, 3,
		user.UserDeactivated{UserID: "u1", DeactivatedAt: t0})))

	row, err := rs.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", row.Email)
	assert.Equal(t, "Annie", row.Name)
	assert.False(t, row.IsActive)
	assert.Equal(t, 3, row.LastVersion)
}

// ============================================
// Activity Projection Tests
// ============================================

func TestActivity_OneRowPerEvent(t *testing.T) {
	rs := newReadStore(t)
	p := NewActivity(rs)
	ctx := context.Background()

	created := reservationCreated(t, "R1")
	require.NoError(t, p.Project(ctx, created))
	require.NoError(t, p.Project(ctx, created))
	require.NoError(t, p.Project(ctx, statusChanged(t, "R1", 2, reservation.StatusPending, reservation.StatusCheckedIn)))

	rows, err := rs.ListActivity(ctx, "R1", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "reservation pending -> checked_in", rows[0].Summary)
	assert.Equal(t, "u1", rows[1].UserID)
	assert.False(t, p.Handles("ParkingFeeCharged"))
}

// ============================================
// End-to-end Tests
// ============================================

// A command's event is published, delivered twice and still
// projects to exactly one row.
func TestEndToEnd_CommandToReadModelWithRedelivery(t *testing.T) {
	ctx := context.Background()
	events := store.NewMemoryEventStore()
	snapshots := store.NewMemorySnapshotStore()
	b := bus.NewMemoryBus(16)
	sub := b.Subscribe("projector")

	svc := reservation.NewService(events, snapshots, command.Options{Publisher: b})
	res, err := svc.Create(ctx, command.CreateReservation{
		ReservationID: "R1",
		UserID:        "u1",
		SlotID:        "s1",
		StartTime:     t0.Add(time.Hour),
		EndTime:       t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Version)
	require.Len(t, res.Events, 1)

	// simulated redelivery of the creation event
	require.NoError(t, b.Publish(ctx, res.Events[0]))

	rs := newReadStore(t)
	consumer := newTestConsumer(nil, NewReservations(rs), NewActivity(rs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = consumer.Run(runCtx, sub) }()

	require.Eventually(t, func() bool { return sub.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		rows, err := rs.ListActivity(ctx, "R1", "", 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), countRows(t, rs, &readmodel.ReservationReadModel{}))
	row, err := rs.GetReservation(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "pending", row.Status)
}
