package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLSnapshotStore keeps snapshots in the snapshots table. Rows are keyed
// by (aggregate_id, version) so older snapshots never overwrite newer ones.
type SQLSnapshotStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSnapshotStore(db *sql.DB, dialect Dialect) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db, dialect: dialect}
}

func (s *SQLSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`INSERT INTO snapshots (aggregate_id, version, aggregate_type, state, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (aggregate_id, version) DO NOTHING`),
		snapshot.AggregateID,
		snapshot.Version,
		snapshot.AggregateType,
		string(snapshot.State),
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snapshot.AggregateID, snapshot.Version, err)
	}
	return nil
}

func (s *SQLSnapshotStore) Load(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var (
		snap      Snapshot
		state     []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT aggregate_id, aggregate_type, version, state, created_at
		 FROM snapshots
		 WHERE aggregate_id = ?
		 ORDER BY version DESC
		 LIMIT 1`), aggregateID,
	).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &state, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", aggregateID, err)
	}
	snap.State = state
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &snap, nil
}

// Prune deletes snapshots older than the newest keep per aggregate.
func (s *SQLSnapshotStore) Prune(ctx context.Context, aggregateID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM snapshots
		 WHERE aggregate_id = ? AND version NOT IN (
		     SELECT version FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT ?
		 )`), aggregateID, aggregateID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots %s: %w", aggregateID, err)
	}
	return res.RowsAffected()
}
