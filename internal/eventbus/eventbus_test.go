package eventbus

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestSubscriberReceivesEventsAfterSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(zerolog.Nop())

	var got []Event
	var mu sync.Mutex
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	bus.Publish(Event{DeviceID: "d1", EventType: "battery-low"})
	bus.Publish(Event{DeviceID: "d2", EventType: "battery-critical"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].DeviceID != "d1" || got[1].DeviceID != "d2" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New(zerolog.Nop())

	count := 0
	id := bus.Subscribe(func(e Event) { count++ })
	bus.Publish(Event{DeviceID: "d1"})
	bus.Unsubscribe(id)
	bus.Publish(Event{DeviceID: "d1"})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bus := New(zerolog.Nop())

	delivered := false
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { delivered = true })

	bus.Publish(Event{DeviceID: "d1"})

	if !delivered {
		t.Fatal("second subscriber must still receive the event despite the first panicking")
	}
}

func TestSubscribeDuringPublishDoesNotRace(t *testing.T) {
	t.Parallel()

	bus := New(zerolog.Nop())
	bus.Subscribe(func(e Event) {
		bus.Subscribe(func(e Event) {})
	})

	bus.Publish(Event{DeviceID: "d1"})
	bus.Publish(Event{DeviceID: "d1"})
}
