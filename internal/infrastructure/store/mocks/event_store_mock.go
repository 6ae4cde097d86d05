package mocks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/google/uuid"
)

// MockEventStore is a mock implementation of store.EventStore for testing
type MockEventStore struct {
	mu     sync.RWMutex
	events map[string][]store.Event

	// For tracking calls in tests
	AppendCalls    []AppendCall
	AppendErr      error
	LoadErr        error
	AppendCallback func(ctx context.Context, aggregateID string, expectedVersion int, events []store.Event) (int, error)
}

// AppendCall records parameters passed to Append
type AppendCall struct {
	AggregateID     string
	ExpectedVersion int
	Events          []store.Event
}

// NewMockEventStore creates a new MockEventStore
func NewMockEventStore() *MockEventStore {
	return &MockEventStore{
		events:      make(map[string][]store.Event),
		AppendCalls: make([]AppendCall, 0),
	}
}

// Append stores events in memory with the same expected-version check as
// the real stores.
func (m *MockEventStore) Append(ctx context.Context, aggregateID string, expectedVersion int, events []store.Event) (int, error) {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, AppendCall{
		AggregateID:     aggregateID,
		ExpectedVersion: expectedVersion,
		Events:          append([]store.Event(nil), events...),
	})
	callback := m.AppendCallback
	m.mu.Unlock()

	// Use callback if provided
	if callback != nil {
		return callback(ctx, aggregateID, expectedVersion, events)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Return error if set
	if m.AppendErr != nil {
		return 0, m.AppendErr
	}
	return m.appendLocked(aggregateID, expectedVersion, events)
}

func (m *MockEventStore) appendLocked(aggregateID string, expectedVersion int, events []store.Event) (int, error) {
	if len(m.events[aggregateID]) != expectedVersion {
		return 0, store.ErrConcurrencyConflict
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		events[i].Version = expectedVersion + i + 1
		m.events[aggregateID] = append(m.events[aggregateID], events[i])
	}
	return expectedVersion + len(events), nil
}

// AppendDirect bypasses recording and error injection. Tests use it from
// AppendCallback to simulate a competing writer.
func (m *MockEventStore) AppendDirect(aggregateID string, expectedVersion int, events []store.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(aggregateID, expectedVersion, events)
}

// LoadEvents returns events for an aggregate after fromVersion
func (m *MockEventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	var out []store.Event
	for _, e := range m.events[aggregateID] {
		if e.Version > fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetEvents returns every stored event for an aggregate
func (m *MockEventStore) GetEvents(aggregateID string) []store.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Event(nil), m.events[aggregateID]...)
}

// Reset clears all events and recorded calls
func (m *MockEventStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(map[string][]store.Event)
	m.AppendCalls = make([]AppendCall, 0)
	m.AppendErr = nil
	m.LoadErr = nil
	m.AppendCallback = nil
}

// SetEvents sets events directly for testing
func (m *MockEventStore) SetEvents(aggregateID string, events []store.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[aggregateID] = events
}

// AddEvent adds a single event for testing
func (m *MockEventStore) AddEvent(aggregateID, aggregateType, eventType string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	version := len(m.events[aggregateID]) + 1
	event := store.Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		SchemaVersion: store.CurrentSchemaVersion,
		Payload:       jsonData,
		OccurredAt:    time.Now().UTC(),
		Version:       version,
	}

	m.events[aggregateID] = append(m.events[aggregateID], event)
	return nil
}

// MockSnapshotStore is a mock implementation of store.SnapshotStore
type MockSnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]store.Snapshot

	SaveCalls []store.Snapshot
	SaveErr   error
	LoadErr   error
}

func NewMockSnapshotStore() *MockSnapshotStore {
	return &MockSnapshotStore{snapshots: make(map[string]store.Snapshot)}
}

func (m *MockSnapshotStore) Save(ctx context.Context, snapshot store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveCalls = append(m.SaveCalls, snapshot)
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (m *MockSnapshotStore) Load(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	snap, ok := m.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// Put stores a snapshot directly for testing
func (m *MockSnapshotStore) Put(snapshot store.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.AggregateID] = snapshot
}
