package slot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/infrastructure/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSlotService() (*Service, *mocks.MockEventStore, *mocks.MockSnapshotStore) {
	events := mocks.NewMockEventStore()
	snapshots := mocks.NewMockSnapshotStore()
	svc := NewService(events, snapshots, command.Options{SnapshotEvery: 2})
	svc.now = func() time.Time { return testNow }
	return svc, events, snapshots
}

// ============================================
// Aggregate Tests
// ============================================

func TestSlot_OccupyAndRelease(t *testing.T) {
	s := New("s1")
	require.NoError(t, s.Create(" a-01 ", 2, testNow))
	assert.Equal(t, "A-01", s.Code)
	assert.Equal(t, StatusAvailable, s.Status)

	require.NoError(t, s.Occupy("r1", testNow))
	assert.Equal(t, StatusOccupied, s.Status)
	assert.Equal(t, "r1", s.ReservationID)

	require.NoError(t, s.Release(testNow))
	assert.Equal(t, StatusAvailable, s.Status)
	assert.Empty(t, s.ReservationID)
	assert.Len(t, s.Uncommitted(), 3)
}

func TestSlot_OccupyBySameReservationIsNoop(t *testing.T) {
	s := New("s1")
	require.NoError(t, s.Create("A-01", 0, testNow))
	require.NoError(t, s.Occupy("r1", testNow))

	require.NoError(t, s.Occupy("r1", testNow))
	assert.Len(t, s.Uncommitted(), 2)
}

func TestSlot_OccupyByOtherReservationIsRejected(t *testing.T) {
	s := New("s1")
	require.NoError(t, s.Create("A-01", 0, testNow))
	require.NoError(t, s.Occupy("r1", testNow))

	err := s.Occupy("r2", testNow)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvariant))
}

func TestSlot_ReleaseAvailableIsRejected(t *testing.T) {
	s := New("s1")
	require.NoError(t, s.Create("A-01", 0, testNow))

	err := s.Release(testNow)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvariant))
}

func TestSlot_UnknownEventSkippedOrFailed(t *testing.T) {
	s := New("s1")
	require.NoError(t, s.Create("A-01", 0, testNow))
	events := s.Uncommitted()
	future, err := store.NewEvent("s1", AggregateType, "SlotRenamed", map[string]string{"code": "B-02"}, testNow)
	require.NoError(t, err)
	future.Version = 2
	events = append(events, future)

	skipped := New("s1")
	require.NoError(t, aggregate.Rehydrator{Policy: aggregate.PolicySkip}.Rehydrate(skipped, nil, events))
	assert.Equal(t, 2, skipped.Version())
	assert.Equal(t, "A-01", skipped.Code)

	failed := New("s1")
	err = aggregate.Rehydrator{Policy: aggregate.PolicyFail}.Rehydrate(failed, nil, events)
	assert.ErrorIs(t, err, aggregate.ErrUnknownEventType)
}

// ============================================
// Service Tests
// ============================================

func TestService_CreateOccupyRelease(t *testing.T) {
	svc, events, snapshots := newTestSlotService()
	ctx := context.Background()

	res, err := svc.Create(ctx, command.CreateSlot{SlotID: "s1", Code: "A-01", Level: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	res, err = svc.Occupy(ctx, command.OccupySlot{SlotID: "s1", ReservationID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	require.Len(t, snapshots.SaveCalls, 1)

	var state Slot
	require.NoError(t, json.Unmarshal(snapshots.SaveCalls[0].State, &state))
	assert.Equal(t, StatusOccupied, state.Status)

	res, err = svc.Release(ctx, command.ReleaseSlot{SlotID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Len(t, events.GetEvents("s1"), 3)
}

func TestService_OccupyValidation(t *testing.T) {
	svc, events, _ := newTestSlotService()
	_, err := svc.Occupy(context.Background(), command.OccupySlot{SlotID: "s1"})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
	assert.Empty(t, events.AppendCalls)
}

func TestService_OccupyUnknownSlotIsNotFound(t *testing.T) {
	svc, _, _ := newTestSlotService()
	_, err := svc.Occupy(context.Background(), command.OccupySlot{SlotID: "nope", ReservationID: "r1"})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestService_RepeatedOccupyIsNoop(t *testing.T) {
	svc, events, _ := newTestSlotService()
	ctx := context.Background()
	_, err := svc.Create(ctx, command.CreateSlot{SlotID: "s1", Code: "A-01"})
	require.NoError(t, err)
	_, err = svc.Occupy(ctx, command.OccupySlot{SlotID: "s1", ReservationID: "r1"})
	require.NoError(t, err)

	res, err := svc.Occupy(ctx, command.OccupySlot{SlotID: "s1", ReservationID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Empty(t, res.Events)
	assert.Len(t, events.AppendCalls, 2)
}

func TestService_StoreFailureIsStoreUnavailable(t *testing.T) {
	svc, events, _ := newTestSlotService()
	events.AppendErr = assert.AnError

	_, err := svc.Create(context.Background(), command.CreateSlot{SlotID: "s1", Code: "A-01"})
	assert.True(t, apperr.IsCode(err, apperr.CodeStoreUnavailable))
	assert.ErrorIs(t, err, assert.AnError)
}
