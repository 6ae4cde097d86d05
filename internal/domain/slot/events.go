package slot

import "time"

const (
	EventSlotCreated  = "SlotCreated"
	EventSlotOccupied = "SlotOccupied"
	EventSlotReleased = "SlotReleased"
)

type SlotCreated struct {
	SlotID    string    `json:"slot_id"`
	Code      string    `json:"code"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

type SlotOccupied struct {
	SlotID        string    `json:"slot_id"`
	ReservationID string    `json:"reservation_id"`
	OccupiedAt    time.Time `json:"occupied_at"`
}

type SlotReleased struct {
	SlotID        string    `json:"slot_id"`
	ReservationID string    `json:"reservation_id"`
	ReleasedAt    time.Time `json:"released_at"`
}
