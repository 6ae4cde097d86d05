package reservation

import "time"

const (
	EventReservationCreated       = "ReservationCreated"
	EventReservationStatusChanged = "ReservationStatusChanged"
)

// ReservationCreated is emitted when a reservation is made
type ReservationCreated struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	SlotID        string    `json:"slot_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReservationStatusChanged is emitted on every status transition. UserID
// is the reservation owner, carried for consumers.
type ReservationStatusChanged struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id,omitempty"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	ChangedAt     time.Time `json:"changed_at"`
}
