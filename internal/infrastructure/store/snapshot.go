package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// SnapshotThreshold is the default number of commits between snapshots.
const SnapshotThreshold = 2

// Snapshot represents a point-in-time state of an aggregate
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"` // Event version at snapshot time
	State         json.RawMessage `json:"state"`   // Serialized aggregate state
	CreatedAt     time.Time       `json:"created_at"`
}

// ShouldSnapshot reports whether a commit that moved an aggregate from
// fromVersion to toVersion crossed a multiple of every.
func ShouldSnapshot(fromVersion, toVersion, every int) bool {
	if every <= 0 || toVersion <= fromVersion {
		return false
	}
	return toVersion/every > fromVersion/every
}

// MemorySnapshotStore keeps the newest snapshot per aggregate.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]Snapshot)}
}

// Save keeps snapshot unless an equal or newer one is already stored.
func (s *MemorySnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snapshot.AggregateID]; ok && cur.Version >= snapshot.Version {
		return nil
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	snapshot.State = append(json.RawMessage(nil), snapshot.State...)
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	snap.State = append(json.RawMessage(nil), snap.State...)
	return &snap, nil
}
