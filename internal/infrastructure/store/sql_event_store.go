package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLEventStore stores events in a relational database. The
// aggregate_versions table holds each aggregate's latest-version marker;
// Append compares and advances it in the same transaction that inserts
// the events. The events.position column orders the global log and is
// assigned in commit order.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLEventStore(db *sql.DB, dialect Dialect) *SQLEventStore {
	return &SQLEventStore{db: db, dialect: dialect}
}

// NewPostgresEventStore is NewSQLEventStore with the Postgres dialect.
func NewPostgresEventStore(db *sql.DB) *SQLEventStore {
	return NewSQLEventStore(db, Postgres)
}

func (es *SQLEventStore) Append(ctx context.Context, aggregateID string, expectedVersion int, events []Event) (int, error) {
	if err := prepareAppend(aggregateID, expectedVersion, events); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return es.currentVersion(ctx, aggregateID, expectedVersion)
	}
	newVersion := expectedVersion + len(events)

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx, es.dialect.Rebind(
			`INSERT INTO aggregate_versions (aggregate_id, aggregate_type, version) VALUES (?, ?, ?)`),
			aggregateID, events[0].AggregateType, newVersion)
		if err != nil {
			if es.dialect.IsUniqueViolation(err) {
				return 0, conflictError(aggregateID, expectedVersion)
			}
			return 0, fmt.Errorf("insert version marker: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, es.dialect.Rebind(
			`UPDATE aggregate_versions SET version = ? WHERE aggregate_id = ? AND version = ?`),
			newVersion, aggregateID, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("advance version marker: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("advance version marker: %w", err)
		}
		if n != 1 {
			return 0, conflictError(aggregateID, expectedVersion)
		}
	}

	if lock := es.dialect.EventLogLock(); lock != "" {
		if _, err := tx.ExecContext(ctx, lock); err != nil {
			return 0, fmt.Errorf("lock event log: %w", err)
		}
	}

	insert := es.dialect.Rebind(
		`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, schema_version, version, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, e := range events {
		_, err := tx.ExecContext(ctx, insert,
			e.ID,
			e.AggregateID,
			e.AggregateType,
			e.Type,
			e.SchemaVersion,
			e.Version,
			string(e.Payload),
			e.OccurredAt.UnixMilli(),
		)
		if err != nil {
			if es.dialect.IsUniqueViolation(err) {
				return 0, conflictError(aggregateID, expectedVersion)
			}
			return 0, fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}
	return newVersion, nil
}

// currentVersion handles an empty append: it still enforces the
// expected-version check.
func (es *SQLEventStore) currentVersion(ctx context.Context, aggregateID string, expectedVersion int) (int, error) {
	var version int
	err := es.db.QueryRowContext(ctx, es.dialect.Rebind(
		`SELECT version FROM aggregate_versions WHERE aggregate_id = ?`), aggregateID).Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return 0, fmt.Errorf("read version marker: %w", err)
	}
	if version != expectedVersion {
		return 0, conflictError(aggregateID, expectedVersion)
	}
	return version, nil
}

func (es *SQLEventStore) LoadEvents(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, es.dialect.Rebind(
		`SELECT position, id, aggregate_id, aggregate_type, event_type, schema_version, version, payload, occurred_at
		 FROM events
		 WHERE aggregate_id = ? AND version > ?
		 ORDER BY version ASC`),
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", aggregateID, err)
	}
	return scanEvents(rows)
}

func (es *SQLEventStore) LoadAll(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := es.db.QueryContext(ctx, es.dialect.Rebind(
		`SELECT position, id, aggregate_id, aggregate_type, event_type, schema_version, version, payload, occurred_at
		 FROM events
		 WHERE position > ?
		 ORDER BY position ASC
		 LIMIT ?`),
		afterPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			payload    []byte
			occurredAt int64
		)
		if err := rows.Scan(&e.Position, &e.ID, &e.AggregateID, &e.AggregateType, &e.Type,
			&e.SchemaVersion, &e.Version, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		e.OccurredAt = time.UnixMilli(occurredAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
