package projection

import (
	"context"

	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/readmodel"
)

var userColumns = []string{"email", "name", "role", "is_active", "last_version", "created_at", "updated_at"}

// Users maintains read_users.
type Users struct {
	store *readmodel.Store
}

func NewUsers(s *readmodel.Store) *Users {
	return &Users{store: s}
}

func (p *Users) Name() string { return "users" }

func (p *Users) Handles(eventType string) bool {
	switch eventType {
	case user.EventUserRegistered, user.EventUserProfileUpdated, user.EventUserDeactivated:
		return true
	}
	return false
}

func (p *Users) Project(ctx context.Context, event store.Event) error {
	switch event.Type {
	case user.EventUserRegistered:
		var e user.UserRegistered
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		return p.store.Upsert(ctx, &readmodel.UserReadModel{
			ID:          event.AggregateID,
			Email:       e.Email,
			Name:        e.Name,
			Role:        e.Role,
			IsActive:    true,
			LastVersion: event.Version,
			CreatedAt:   e.RegisteredAt,
			UpdatedAt:   e.RegisteredAt,
		}, "read_users", userColumns)

	case user.EventUserProfileUpdated:
		var e user.UserProfileUpdated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		_, err := p.store.UpdateIfNewer(ctx, &readmodel.UserReadModel{}, event.AggregateID, event.Version, map[string]any{
			"name":       e.Name,
			"updated_at": e.UpdatedAt,
		})
		return err

	case user.EventUserDeactivated:
		var e user.UserDeactivated
		if err := decodePayload(event, &e); err != nil {
			return err
		}
		_, err := p.store.UpdateIfNewer(ctx, &readmodel.UserReadModel{}, event.AggregateID, event.Version, map[string]any{
			"is_active":  false,
			"updated_at": e.DeactivatedAt,
		})
		return err
	}
	return nil
}

func (p *Users) Reset(ctx context.Context) error {
	return p.store.Truncate(ctx, &readmodel.UserReadModel{})
}
