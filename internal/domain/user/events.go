package user

import "time"

const (
	EventUserRegistered     = "UserRegistered"
	EventUserProfileUpdated = "UserProfileUpdated"
	EventUserDeactivated    = "UserDeactivated"
)

// UserRegistered is emitted when a new user is registered
type UserRegistered struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	RegisteredAt time.Time `json:"registered_at"`
}

// UserProfileUpdated is emitted when user profile is updated
type UserProfileUpdated struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserDeactivated is emitted when user account is deactivated
type UserDeactivated struct {
	UserID        string    `json:"user_id"`
	DeactivatedAt time.Time `json:"deactivated_at"`
}
