package command

import (
	"net/mail"
	"strings"
	"time"

	"github.com/example/parking-es/internal/apperr"
)

// Reservation Commands
type CreateReservation struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	SlotID        string    `json:"slot_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

func (c CreateReservation) Validate() error {
	const op = "command.create_reservation"
	switch {
	case strings.TrimSpace(c.UserID) == "":
		return apperr.Validation(op, "user_id is required")
	case strings.TrimSpace(c.SlotID) == "":
		return apperr.Validation(op, "slot_id is required")
	case c.StartTime.IsZero() || c.EndTime.IsZero():
		return apperr.Validation(op, "start_time and end_time are required")
	case !c.EndTime.After(c.StartTime):
		return apperr.Validation(op, "end_time must be after start_time")
	}
	return nil
}

type UpdateReservationStatus struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
}

func (c UpdateReservationStatus) Validate() error {
	const op = "command.update_reservation_status"
	if strings.TrimSpace(c.ReservationID) == "" {
		return apperr.Validation(op, "reservation_id is required")
	}
	if strings.TrimSpace(c.Status) == "" {
		return apperr.Validation(op, "status is required")
	}
	return nil
}

// Slot Commands
type CreateSlot struct {
	SlotID string `json:"slot_id"`
	Code   string `json:"code"`
	Level  int    `json:"level"`
}

func (c CreateSlot) Validate() error {
	const op = "command.create_slot"
	if strings.TrimSpace(c.Code) == "" {
		return apperr.Validation(op, "code is required")
	}
	if c.Level < 0 {
		return apperr.Validation(op, "level must not be negative")
	}
	return nil
}

type OccupySlot struct {
	SlotID        string `json:"slot_id"`
	ReservationID string `json:"reservation_id"`
}

func (c OccupySlot) Validate() error {
	const op = "command.occupy_slot"
	if strings.TrimSpace(c.SlotID) == "" {
		return apperr.Validation(op, "slot_id is required")
	}
	if strings.TrimSpace(c.ReservationID) == "" {
		return apperr.Validation(op, "reservation_id is required")
	}
	return nil
}

type ReleaseSlot struct {
	SlotID string `json:"slot_id"`
}

// User Commands
type RegisterUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

func (c RegisterUser) Validate() error {
	const op = "command.register_user"
	if _, err := mail.ParseAddress(strings.TrimSpace(c.Email)); err != nil {
		return apperr.Validation(op, "a valid email is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if c.Password == "" {
		return apperr.Validation(op, "password is required")
	}
	return nil
}

type UpdateProfile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (c UpdateProfile) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperr.Validation("command.update_profile", "name is required")
	}
	return nil
}
