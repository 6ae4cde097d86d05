// Package bus defines the fanout contract between command-side publishers
// and per-service subscribers, plus an in-memory implementation.
package bus

import (
	"context"
	"time"

	"github.com/example/parking-es/internal/infrastructure/store"
)

// Publisher broadcasts committed events. Events of one call are published
// in slice order.
type Publisher interface {
	Publish(ctx context.Context, events ...store.Event) error
}

// Message is one delivery. Raw is the wire form of the event; Redelivered
// is set when the transport knows the message was delivered before.
type Message struct {
	Key         []byte
	Raw         []byte
	Redelivered bool
}

// Handler processes one delivery. A nil return acknowledges the message;
// an error leaves it for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscriber attaches one durable subscription (this service's queue) to
// the fanout channel.
type Subscriber interface {
	// Subscribe blocks delivering messages to handler until ctx is done or
	// the transport fails.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// DeadLetter describes a message a projection gave up on. Event is nil when
// the message could not be decoded at all.
type DeadLetter struct {
	Projection string       `json:"projection"`
	Event      *store.Event `json:"event,omitempty"`
	Raw        []byte       `json:"raw,omitempty"`
	Error      string       `json:"error"`
	Attempts   int          `json:"attempts"`
	FailedAt   time.Time    `json:"failed_at"`
}

// DeadLetterSink parks failed messages where an operator can see them.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}
