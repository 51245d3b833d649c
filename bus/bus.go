// Package bus implements the pool's notification bus: a bounded
// multi-producer, multi-consumer broadcast of relay messages, deduplicated
// events, auth signals and shutdown, with a lagged marker for slow
// consumers instead of blocking the sender.
package bus

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Kind discriminates a Notification's payload.
type Kind int

const (
	KindMessage Kind = iota
	KindEvent
	KindEOSE
	KindAuthenticated
	KindAuthFailed
	KindShutdown
	KindLagged
)

// Notification is one item delivered on the bus.
type Notification struct {
	Kind           Kind
	Relay          string
	SubscriptionID string
	Event          *nostr.Event
	RawMessage     []byte // verbatim relay frame, for Kind == KindMessage
	AuthFailReason string
	Lagged         int
}

// Bus is a bounded broadcast channel. Capacity bounds each subscriber's
// buffer independently; a subscriber that falls behind receives a
// KindLagged notification reporting how many items it missed, then
// resumes from the next item.
type Bus struct {
	mu       sync.Mutex
	capacity int
	subs     map[int]chan Notification
	nextID   int
	closed   bool
}

// New returns a Bus whose subscriber channels hold up to capacity items
// before lagging. Capacity defaults to 4096.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Bus{capacity: capacity, subs: make(map[int]chan Notification)}
}

// Subscription is a live bus subscriber handle.
type Subscription struct {
	id   int
	ch   chan Notification
	bus  *Bus
}

// Subscribe returns a new Subscription. Callers must call Unsubscribe
// when done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Notification, b.capacity)
	b.subs[id] = ch
	return &Subscription{id: id, ch: ch, bus: b}
}

// C returns the channel to range/select over.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Unsubscribe removes this subscriber from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(ch)
	}
}

// publish delivers n to every subscriber without blocking: a full
// subscriber channel has its oldest item dropped and a lagged marker sent
// in its place.
func (b *Bus) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Drain one slot to make room, and tell the subscriber it lagged:
			// n and the drained item are both lost (a drained lag marker
			// carries its own count forward).
			missed := 1
			select {
			case old := <-ch:
				if old.Kind == KindLagged {
					missed += old.Lagged
				} else {
					missed++
				}
			default:
			}
			select {
			case ch <- Notification{Kind: KindLagged, Lagged: missed}:
			default:
			}
		}
	}
}

// PublishMessage broadcasts a raw relay frame.
func (b *Bus) PublishMessage(relay string, raw []byte) {
	b.publish(Notification{Kind: KindMessage, Relay: relay, RawMessage: raw})
}

// PublishEvent broadcasts a deduplicated event, tagged with the
// subscription it arrived on.
func (b *Bus) PublishEvent(relay, subID string, evt *nostr.Event) {
	b.publish(Notification{Kind: KindEvent, Relay: relay, SubscriptionID: subID, Event: evt})
}

// PublishEOSE broadcasts an end-of-stored-events marker for a
// subscription on relay, letting streaming consumers know when a relay's
// backlog replay has caught up.
func (b *Bus) PublishEOSE(relay, subID string) {
	b.publish(Notification{Kind: KindEOSE, Relay: relay, SubscriptionID: subID})
}

// PublishAuthenticated broadcasts a successful NIP-42 AUTH.
func (b *Bus) PublishAuthenticated(relay string) {
	b.publish(Notification{Kind: KindAuthenticated, Relay: relay})
}

// PublishAuthFailed broadcasts a failed NIP-42 AUTH.
func (b *Bus) PublishAuthFailed(relay, reason string) {
	b.publish(Notification{Kind: KindAuthFailed, Relay: relay, AuthFailReason: reason})
}

// Shutdown broadcasts Shutdown to every subscriber and closes the bus.
// The closed state is absorbing.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		select {
		case ch <- Notification{Kind: KindShutdown}:
		default:
		}
		close(ch)
		delete(b.subs, id)
	}
}
