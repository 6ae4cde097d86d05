package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect isolates the differences between the SQL backends the event
// store runs on.
type Dialect interface {
	Name() string
	// Rebind rewrites '?' placeholders into the driver's native form.
	Rebind(query string) string
	IsUniqueViolation(err error) bool
	// EventLogLock is run inside an append transaction before its events
	// are inserted, so positions become visible in position order. Empty
	// when the backend already serializes writers.
	EventLogLock() string
}

// eventLogLockKey is the advisory lock guarding position assignment.
const eventLogLockKey = 0x70617263 // "parc"

//go:embed schema/sqlite.sql
var sqliteSchema string

type postgresDialect struct{}

// Postgres is the dialect for github.com/lib/pq connections.
var Postgres Dialect = postgresDialect{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// BIGSERIAL values are taken before commit; without the lock a later
// position could commit first and be skipped by a reader paging the log.
func (postgresDialect) EventLogLock() string {
	return "SELECT pg_advisory_xact_lock(" + strconv.Itoa(eventLogLockKey) + ")"
}

type sqliteDialect struct{}

// SQLite is the dialect for modernc.org/sqlite connections.
var SQLite Dialect = sqliteDialect{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}

// SQLite allows a single writer at a time.
func (sqliteDialect) EventLogLock() string { return "" }

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// OpenSQLite opens a SQLite database and creates the event store schema.
// path may be ":memory:". Writers are serialized through a single
// connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return db, nil
}
