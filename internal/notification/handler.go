// Package notification emails reservation owners when their reservations
// change. It runs as its own subscriber with its own queue.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/email"
	"github.com/example/parking-es/internal/infrastructure/store"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/readmodel"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Directory resolves users and remembers which notifications went out.
type Directory interface {
	GetUser(ctx context.Context, id string) (*readmodel.UserReadModel, error)
	NotificationSent(ctx context.Context, eventID string) (bool, error)
	RecordNotification(ctx context.Context, row *readmodel.NotificationReadModel) error
}

// Handler is a projection whose side effect is an email. A notification
// may be sent twice if the process dies between sending and recording it,
// or if a later delivery arrives after recording failed.
type Handler struct {
	mailer    Mailer
	directory Directory
	log       *logger.Logger
	now       func() time.Time
}

func NewHandler(mailer Mailer, directory Directory, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		mailer:    mailer,
		directory: directory,
		log:       log.With("component", "notifier"),
		now:       time.Now,
	}
}

func (h *Handler) Name() string { return "notifications" }

func (h *Handler) Handles(eventType string) bool {
	return eventType == reservation.EventReservationCreated ||
		eventType == reservation.EventReservationStatusChanged
}

func (h *Handler) Project(ctx context.Context, event store.Event) error {
	sent, err := h.directory.NotificationSent(ctx, event.ID)
	if err != nil {
		return err
	}
	if sent {
		h.log.Debug("notification already sent", "event_id", event.ID)
		return nil
	}

	var userID, subject string
	var render func(name string) string

	switch event.Type {
	case reservation.EventReservationCreated:
		var e reservation.ReservationCreated
		if err := event.Decode(&e); err != nil {
			return err
		}
		userID = e.UserID
		subject = email.ConfirmationSubject(event.AggregateID)
		render = func(name string) string {
			return email.BuildConfirmationBody(name, email.ReservationDetails{
				ReservationID: event.AggregateID,
				SlotID:        e.SlotID,
				StartTime:     e.StartTime,
				EndTime:       e.EndTime,
			})
		}

	case reservation.EventReservationStatusChanged:
		var e reservation.ReservationStatusChanged
		if err := event.Decode(&e); err != nil {
			return err
		}
		userID = e.UserID
		subject = email.StatusChangeSubject(event.AggregateID, string(e.To))
		render = func(name string) string {
			return email.BuildStatusChangeBody(name, event.AggregateID, string(e.From), string(e.To))
		}

	default:
		return nil
	}

	if userID == "" {
		h.log.Warn("event carries no user, nothing to notify", "event_id", event.ID, "type", event.Type)
		return nil
	}

	// The users read model may lag behind; a missing user is retried.
	u, err := h.directory.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, readmodel.ErrNotFound) {
			return fmt.Errorf("recipient %s not projected yet: %w", userID, err)
		}
		return err
	}
	if !u.IsActive {
		h.log.Info("skipping notification for deactivated user", "user_id", userID, "event_id", event.ID)
		return nil
	}

	if err := h.mailer.Send(ctx, u.Email, subject, render(u.Name)); err != nil {
		return fmt.Errorf("send %s to %s: %w", event.Type, u.Email, err)
	}
	h.log.Info("notification sent", "to", u.Email, "event_id", event.ID, "type", event.Type)

	// The mail is out; retrying would only send it again.
	if err := h.directory.RecordNotification(ctx, &readmodel.NotificationReadModel{
		EventID:   event.ID,
		Recipient: u.Email,
		Subject:   subject,
		SentAt:    h.now().UTC(),
	}); err != nil {
		h.log.Error("notification sent but not recorded", "event_id", event.ID, "to", u.Email, "error", err)
	}
	return nil
}
