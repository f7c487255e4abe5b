package registry

import (
	"sync"
	"time"
)

// EventType identifies the kind of registry event.
type EventType string

const (
	// EventHealthChanged is emitted when a probe observes a health transition.
	EventHealthChanged EventType = "healthChanged"

	// EventInstanceRegistered is emitted on dynamic registration.
	EventInstanceRegistered EventType = "instanceRegistered"

	// EventInstanceDeregistered is emitted on dynamic deregistration.
	EventInstanceDeregistered EventType = "instanceDeregistered"
)

// Event describes a change to the registry. For health changes, Previous and
// Current carry the transition and Err the probe error, if any.
type Event struct {
	Type     EventType
	Instance *ServiceInstance
	Previous Health
	Current  Health
	Err      error
	Time     time.Time
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind loses events rather than blocking the probe loop.
const subscriberBuffer = 64

// broadcaster fans registry events out to subscribers over bounded channels.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subs: make(map[chan Event]struct{}),
	}
}

// subscribe registers a new subscriber channel.
func (b *broadcaster) subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// unsubscribe removes a subscriber and closes its channel.
func (b *broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// publish delivers an event to all subscribers without blocking.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

// closeAll closes every subscriber channel.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
