package readmodel

import "time"

// ReservationReadModel is the read model for reservations
type ReservationReadModel struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID      string    `gorm:"index;type:varchar(64)" json:"user_id"`
	SlotID      string    `gorm:"index;type:varchar(64)" json:"slot_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `gorm:"type:varchar(32)" json:"status"`
	LastVersion int       `gorm:"not null" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (ReservationReadModel) TableName() string { return "read_reservations" }

// SlotReadModel is the read model for parking slots
type SlotReadModel struct {
	ID            string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Code          string    `gorm:"index;type:varchar(32)" json:"code"`
	Level         int       `json:"level"`
	Status        string    `gorm:"type:varchar(32)" json:"status"`
	ReservationID string    `gorm:"type:varchar(64)" json:"reservation_id,omitempty"`
	LastVersion   int       `gorm:"not null" json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (SlotReadModel) TableName() string { return "read_slots" }

// UserReadModel is the read model for users. Credentials stay on the
// write side.
type UserReadModel struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email       string    `gorm:"index;type:varchar(320)" json:"email"`
	Name        string    `json:"name"`
	Role        string    `gorm:"type:varchar(32)" json:"role"`
	IsActive    bool      `json:"is_active"`
	LastVersion int       `gorm:"not null" json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (UserReadModel) TableName() string { return "read_users" }

// ActivityReadModel is one entry of the activity history; one row per
// event.
type ActivityReadModel struct {
	EventID       string    `gorm:"primaryKey;type:varchar(64)" json:"event_id"`
	AggregateID   string    `gorm:"index;type:varchar(64)" json:"aggregate_id"`
	AggregateType string    `gorm:"type:varchar(64)" json:"aggregate_type"`
	EventType     string    `gorm:"type:varchar(64)" json:"event_type"`
	Version       int       `json:"version"`
	UserID        string    `gorm:"index;type:varchar(64)" json:"user_id,omitempty"`
	Summary       string    `json:"summary"`
	OccurredAt    time.Time `gorm:"index" json:"occurred_at"`
}

func (ActivityReadModel) TableName() string { return "read_activity" }

// NotificationReadModel records a notification that was delivered, so a
// redelivered event does not email twice.
type NotificationReadModel struct {
	EventID   string    `gorm:"primaryKey;type:varchar(64)" json:"event_id"`
	Recipient string    `gorm:"type:varchar(320)" json:"recipient"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
}

func (NotificationReadModel) TableName() string { return "read_notifications" }

// All lists every read-model table for migration.
func All() []any {
	return []any{
		&ReservationReadModel{},
		&SlotReadModel{},
		&UserReadModel{},
		&ActivityReadModel{},
		&NotificationReadModel{},
	}
}
