// Package eventbus implements the admin event bus: an in-process
// publish/subscribe fan-out of device-generated events, with a copy-on-write
// subscriber list so iteration never races a concurrent subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event is the payload fanned out to subscribers. It mirrors the persisted
// DeviceEvent row closely enough for filtering, without forcing subscribers
// to depend on the storage package.
type Event struct {
	ID        int64
	DeviceID  string
	EventType string
	Severity  string
	Payload   []byte
	CreatedAt int64 // unix millis
}

// Subscriber receives events published after it subscribes. Handler panics
// or errors are isolated by the bus: a failing subscriber must not prevent
// delivery to the others.
type Subscriber func(Event)

// subscription pairs a subscriber with the token used to unsubscribe it.
type subscription struct {
	id      int64
	handler Subscriber
}

// Bus is the in-process publisher. The zero value is not usable; construct
// with New.
type Bus struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs []*subscription // copy-on-write: replaced wholesale on subscribe/unsubscribe
	next int64
}

// New returns an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "eventbus").Logger()}
}

// Subscribe registers handler and returns a token that Unsubscribe accepts.
func (b *Bus) Subscribe(handler Subscriber) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := atomic.AddInt64(&b.next, 1)
	next := make([]*subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	next = append(next, &subscription{id: id, handler: handler})
	b.subs = next
	return id
}

// Unsubscribe removes the subscriber registered under id, if still present.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Publish fans e out to every currently-subscribed handler, on the
// publisher's own goroutine, in the order subscribers were registered.
// Per-publisher-thread order to a given subscriber is preserved; no
// cross-publisher total order is guaranteed. A subscriber that panics is
// recovered and logged so the remaining subscribers still receive the event.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	subs := b.subs // snapshot: safe to iterate without the lock
	b.mu.Unlock()

	for _, s := range subs {
		b.deliverSafely(s, e)
	}
}

func (b *Bus) deliverSafely(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Int64("subscriber_id", s.id).Msg("event subscriber panicked")
		}
	}()
	s.handler(e)
}
