package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/parking-es/internal/infrastructure/store"
)

const redeliveryDelay = 20 * time.Millisecond

// ErrClosed is returned by a closed MemoryBus or subscription.
var ErrClosed = errors.New("bus closed")

// MemoryBus is an in-process fanout: every subscription receives every
// message published after it was created. A message whose handler fails is
// redelivered to that subscription only.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]*MemorySubscription
	closed bool
	done   chan struct{}
	buffer int
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		subs:   make(map[string]*MemorySubscription),
		done:   make(chan struct{}),
		buffer: buffer,
	}
}

// Publish encodes each event and fans it out. It blocks while a live
// subscription's buffer is full; closed subscriptions are skipped. No lock
// is held while blocked.
func (b *MemoryBus) Publish(ctx context.Context, events ...store.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*MemorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		msg := Message{Key: []byte(e.AggregateID), Raw: raw}
		for _, sub := range subs {
			select {
			case sub.ch <- msg:
			case <-sub.done:
				// b.done closes before the bus closes its queues.
				select {
				case <-b.done:
					return ErrClosed
				default:
				}
			case <-b.done:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribe returns the named durable subscription, creating it on first
// use. Calling it twice with the same name returns the same queue until
// that queue is closed.
func (b *MemoryBus) Subscribe(name string) *MemorySubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		return sub
	}
	sub := &MemorySubscription{name: name, bus: b, ch: make(chan Message, b.buffer), done: make(chan struct{})}
	if b.closed {
		close(sub.done)
		return sub
	}
	b.subs[name] = sub
	return sub
}

func (b *MemoryBus) remove(sub *MemorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.name] == sub {
		delete(b.subs, sub.name)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	subs := b.subs
	b.subs = make(map[string]*MemorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// MemorySubscription is one service's queue on a MemoryBus.
type MemorySubscription struct {
	name      string
	bus       *MemoryBus
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *MemorySubscription) Name() string { return s.name }

// Pending returns the number of queued messages.
func (s *MemorySubscription) Pending() int { return len(s.ch) }

func (s *MemorySubscription) Subscribe(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case msg := <-s.ch:
			if err := s.deliver(ctx, handler, msg); err != nil {
				return err
			}
		}
	}
}

// deliver retries a failed message until it is handled or ctx ends.
func (s *MemorySubscription) deliver(ctx context.Context, handler Handler, msg Message) error {
	for {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		msg.Redelivered = true
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(redeliveryDelay):
		}
	}
}

// Close stops delivery and detaches the queue from its bus, so publishers
// no longer wait on it.
func (s *MemorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s)
		}
	})
	return nil
}

var (
	_ Publisher  = (*MemoryBus)(nil)
	_ Subscriber = (*MemorySubscription)(nil)
)

// MemoryDeadLetters keeps dead letters in process.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (m *MemoryDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, dl)
	return nil
}

// Letters returns a copy of the parked messages.
func (m *MemoryDeadLetters) Letters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.letters))
	copy(out, m.letters)
	return out
}

var _ DeadLetterSink = (*MemoryDeadLetters)(nil)
