// Package readmodel holds the query-side tables and the gorm-backed store
// projections write to.
package readmodel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookups of missing rows.
var ErrNotFound = errors.New("read model not found")

// Store reads and writes read-model rows. Writes are idempotent: creation
// rows are upserted and updates only apply to an older row.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             1 * time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	}
}

// OpenPostgres connects the read-model database.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite read-model database. One connection keeps
// ":memory:" databases shared across queries.
func OpenSQLite(path string) (*gorm.DB, error) {
	cfg := gormConfig()
	cfg.Logger = gormLogger.Default.LogMode(gormLogger.Silent)
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// AutoMigrate creates or updates every read-model table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(All()...); err != nil {
		return fmt.Errorf("migrate read models: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Upsert inserts row, or overwrites the existing row with the same id when
// row carries a newer last_version. Columns lists the columns to overwrite.
func (s *Store) Upsert(ctx context.Context, row any, table string, columns []string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: table + ".last_version < excluded.last_version"},
		}},
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// UpdateIfNewer applies updates to the row with id when its last_version
// is below version. It reports whether a row changed; a missing or newer
// row is not an error.
func (s *Store) UpdateIfNewer(ctx context.Context, model any, id string, version int, updates map[string]any) (bool, error) {
	updates["last_version"] = version
	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND last_version < ?", id, version).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update %T %s: %w", model, id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// InsertActivity records one activity row; a row for the same event id is
// left untouched.
func (s *Store) InsertActivity(ctx context.Context, row *ActivityReadModel) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", row.EventID, err)
	}
	return nil
}

// NotificationSent reports whether the notification for eventID was
// already delivered.
func (s *Store) NotificationSent(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&NotificationReadModel{}).Where("event_id = ?", eventID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check notification %s: %w", eventID, err)
	}
	return n > 0, nil
}

// RecordNotification marks a notification as delivered.
func (s *Store) RecordNotification(ctx context.Context, row *NotificationReadModel) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("record notification %s: %w", row.EventID, err)
	}
	return nil
}

// Truncate empties the given model's table ahead of a rebuild.
func (s *Store) Truncate(ctx context.Context, model any) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error
}

func first[T any](ctx context.Context, db *gorm.DB, query string, args ...any) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*ReservationReadModel, error) {
	return first[ReservationReadModel](ctx, s.db, "id = ?", id)
}

// ListReservations returns reservations newest first, optionally for one
// user.
func (s *Store) ListReservations(ctx context.Context, userID string, limit int) ([]ReservationReadModel, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(normalizeLimit(limit))
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []ReservationReadModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) GetSlot(ctx context.Context, id string) (*SlotReadModel, error) {
	return first[SlotReadModel](ctx, s.db, "id = ?", id)
}

// ListSlots returns slots ordered by level and code, optionally filtered by
// status.
func (s *Store) ListSlots(ctx context.Context, status string) ([]SlotReadModel, error) {
	q := s.db.WithContext(ctx).Order("level ASC, code ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []SlotReadModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*UserReadModel, error) {
	return first[UserReadModel](ctx, s.db, "id = ?", id)
}

// ListActivity returns the newest activity first, optionally for one
// aggregate or one user.
func (s *Store) ListActivity(ctx context.Context, aggregateID, userID string, limit int) ([]ActivityReadModel, error) {
	q := s.db.WithContext(ctx).Order("occurred_at DESC, version DESC").Limit(normalizeLimit(limit))
	if aggregateID != "" {
		q = q.Where("aggregate_id = ?", aggregateID)
	}
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []ActivityReadModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
