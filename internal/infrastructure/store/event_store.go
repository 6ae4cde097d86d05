package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/google/uuid"
)

// CurrentSchemaVersion is stamped on events that do not set one.
const CurrentSchemaVersion = 1

// Event is an immutable fact about one aggregate. Type is the explicit
// discriminant for Payload.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Version       int             `json:"version"`
	Position      int64           `json:"position,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEvent encodes payload into a not-yet-versioned event.
func NewEvent(aggregateID, aggregateType, eventType string, payload any, occurredAt time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		SchemaVersion: CurrentSchemaVersion,
		Payload:       data,
		OccurredAt:    occurredAt.UTC().Truncate(time.Millisecond),
	}, nil
}

// Decode unmarshals the payload into v. Unknown payload fields are ignored.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s (%s) has empty payload", e.ID, e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// DecodeEnvelope parses a wire-format event. Unknown envelope fields are
// ignored; a missing type or aggregate id is rejected.
func DecodeEnvelope(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if e.AggregateID == "" || e.Type == "" {
		return Event{}, fmt.Errorf("event envelope missing aggregate_id or type")
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = CurrentSchemaVersion
	}
	return e, nil
}

// prepareAppend validates an append request and stamps versions and
// defaults onto events in place.
func prepareAppend(aggregateID string, expectedVersion int, events []Event) error {
	if strings.TrimSpace(aggregateID) == "" {
		return apperr.Validation("store.append", "aggregate id is required")
	}
	if expectedVersion < 0 {
		return apperr.Validation("store.append", fmt.Sprintf("expected version %d is negative", expectedVersion))
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := range events {
		e := &events[i]
		if e.AggregateID != aggregateID {
			return apperr.Validation("store.append",
				fmt.Sprintf("event %d belongs to aggregate %q, not %q", i, e.AggregateID, aggregateID))
		}
		if e.Type == "" {
			return apperr.Validation("store.append", fmt.Sprintf("event %d has no type", i))
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.SchemaVersion == 0 {
			e.SchemaVersion = CurrentSchemaVersion
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		e.OccurredAt = e.OccurredAt.UTC().Truncate(time.Millisecond)
		e.Version = expectedVersion + i + 1
	}
	return nil
}

func conflictError(aggregateID string, expected int) error {
	return fmt.Errorf("%w: aggregate %s is no longer at version %d",
		ErrConcurrencyConflict, aggregateID, expected)
}

// MemoryEventStore keeps events in process memory. The mutex makes the
// marker check and the insert one atomic step.
type MemoryEventStore struct {
	mu       sync.RWMutex
	events   map[string][]Event // aggregateID -> events
	log      []Event
	position int64
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string][]Event),
	}
}

func (es *MemoryEventStore) Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := prepareAppend(aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	current := len(es.events[aggregateID])
	if current != expectedVersion {
		return 0, conflictError(aggregateID, expectedVersion)
	}
	for i := range events {
		es.position++
		events[i].Position = es.position
		es.events[aggregateID] = append(es.events[aggregateID], events[i])
		es.log = append(es.log, events[i])
	}
	return expectedVersion + len(events), nil
}

func (es *MemoryEventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.mu.RLock()
	defer es.mu.RUnlock()

	stream := es.events[aggregateID]
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= len(stream) {
		return nil, nil
	}
	out := make([]Event, len(stream)-fromVersion)
	copy(out, stream[fromVersion:])
	return out, nil
}

func (es *MemoryEventStore) LoadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	es.mu.RLock()
	defer es.mu.RUnlock()

	start := sort.Search(len(es.log), func(i int) bool { return es.log[i].Position > afterPosition })
	end := len(es.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, es.log[start:end])
	return out, nil
}

// Version returns the latest committed version of aggregateID.
func (es *MemoryEventStore) Version(aggregateID string) int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.events[aggregateID])
}
