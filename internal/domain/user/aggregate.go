package user

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/auth"
	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/aggregate"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/google/uuid"
)

const AggregateType = "User"

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// emailNamespace scopes user IDs derived from email addresses.
var emailNamespace = uuid.MustParse("6f1c2a5e-3b7d-4c1e-9a52-8d0f4b6e2c17")

// IDForEmail derives the user ID from a normalized email, so registering
// the same email twice collides on the same aggregate.
func IDForEmail(email string) string {
	return uuid.NewSHA1(emailNamespace, []byte(NormalizeEmail(email))).String()
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User represents a user aggregate
type User struct {
	aggregate.Base

	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func New(id string) *User {
	return &User{Base: aggregate.NewBase(id)}
}

func (u *User) AggregateType() string { return AggregateType }

func (u *User) Register(email, passwordHash, name, role string, now time.Time) error {
	if u.Exists() {
		return apperr.Invariant("user.register", "a user with this email already exists")
	}
	if role == "" {
		role = RoleCustomer
	}
	return aggregate.Raise(u, EventUserRegistered, UserRegistered{
		UserID:       u.AggregateID(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Name:         strings.TrimSpace(name),
		Role:         role,
		RegisteredAt: now.UTC(),
	}, now)
}

func (u *User) UpdateProfile(name string, now time.Time) error {
	const op = "user.update_profile"
	if !u.Exists() {
		return apperr.Invariant(op, fmt.Sprintf("user %s does not exist", u.AggregateID()))
	}
	if !u.IsActive {
		return apperr.Invariant(op, "user account is deactivated")
	}
	name = strings.TrimSpace(name)
	if name == u.Name {
		return nil
	}
	return aggregate.Raise(u, EventUserProfileUpdated, UserProfileUpdated{
		UserID:    u.AggregateID(),
		Name:      name,
		UpdatedAt: now.UTC(),
	}, now)
}

// Deactivate is idempotent: an inactive user raises nothing.
func (u *User) Deactivate(now time.Time) error {
	if !u.Exists() {
		return apperr.Invariant("user.deactivate", fmt.Sprintf("user %s does not exist", u.AggregateID()))
	}
	if !u.IsActive {
		return nil
	}
	return aggregate.Raise(u, EventUserDeactivated, UserDeactivated{
		UserID:        u.AggregateID(),
		DeactivatedAt: now.UTC(),
	}, now)
}

// Apply applies a single event to the user state
func (u *User) Apply(event store.Event) error {
	switch event.Type {
	case EventUserRegistered:
		var data UserRegistered
		if err := event.Decode(&data); err != nil {
			return err
		}
		u.ID = u.AggregateID()
		u.Email = data.Email
		u.PasswordHash = data.PasswordHash
		u.Name = data.Name
		u.Role = data.Role
		u.IsActive = true
		u.CreatedAt = data.RegisteredAt
		u.UpdatedAt = data.RegisteredAt
	case EventUserProfileUpdated:
		var data UserProfileUpdated
		if err := event.Decode(&data); err != nil {
			return err
		}
		u.Name = data.Name
		u.UpdatedAt = data.UpdatedAt
	case EventUserDeactivated:
		var data UserDeactivated
		if err := event.Decode(&data); err != nil {
			return err
		}
		u.IsActive = false
		u.UpdatedAt = data.DeactivatedAt
	default:
		return fmt.Errorf("%w: %s", aggregate.ErrUnknownEventType, event.Type)
	}
	return nil
}

// Service handles user domain operations
type Service struct {
	handler *command.Handler[*User]
	now     func() time.Time
}

// NewService creates a new user service
func NewService(events store.EventStore, snapshots store.SnapshotStore, opts command.Options) *Service {
	return &Service{
		handler: command.NewHandler(events, snapshots, New, opts),
		now:     time.Now,
	}
}

// Register creates a new user. The password is hashed before it enters
// any event.
func (s *Service) Register(ctx context.Context, cmd command.RegisterUser) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	if cmd.Role != "" && cmd.Role != RoleCustomer && cmd.Role != RoleAdmin {
		return command.Result{}, apperr.Validation("user.register", fmt.Sprintf("unknown role %q", cmd.Role))
	}
	passwordHash, err := auth.HashPassword(cmd.Password)
	if err != nil {
		return command.Result{}, err
	}
	return s.handler.Create(ctx, IDForEmail(cmd.Email), func(u *User) error {
		return u.Register(cmd.Email, passwordHash, cmd.Name, cmd.Role, s.now())
	})
}

// UpdateProfile updates user profile information
func (s *Service) UpdateProfile(ctx context.Context, cmd command.UpdateProfile) (command.Result, error) {
	if err := cmd.Validate(); err != nil {
		return command.Result{}, err
	}
	return s.handler.Update(ctx, cmd.UserID, func(u *User) error {
		return u.UpdateProfile(cmd.Name, s.now())
	})
}

// Deactivate deactivates a user account
func (s *Service) Deactivate(ctx context.Context, userID string) (command.Result, error) {
	return s.handler.Update(ctx, userID, func(u *User) error {
		return u.Deactivate(s.now())
	})
}

// Authenticate checks credentials against the user's event-sourced state.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	const op = "user.authenticate"
	u, err := s.handler.Load(ctx, IDForEmail(email))
	if err != nil {
		return nil, err
	}
	if !u.Exists() || !auth.CheckPassword(password, u.PasswordHash) {
		return nil, apperr.New(apperr.CodeValidation, op, "invalid email or password", nil)
	}
	if !u.IsActive {
		return nil, apperr.Invariant(op, "user account is deactivated")
	}
	return u, nil
}
