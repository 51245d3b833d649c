package bus

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New(8)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	evt := &nostr.Event{ID: "abc"}
	b.PublishEvent("wss://r1", "sub1", evt)

	for i, s := range []*Subscription{s1, s2} {
		n := <-s.C()
		if n.Kind != KindEvent || n.Event.ID != "abc" || n.Relay != "wss://r1" {
			t.Fatalf("subscriber %d: unexpected notification %+v", i, n)
		}
	}
}

func TestBusLagMarkerOnOverflow(t *testing.T) {
	b := New(1)
	s := b.Subscribe()
	defer s.Unsubscribe()

	b.PublishMessage("wss://r1", []byte("one"))
	b.PublishMessage("wss://r1", []byte("two")) // overflows, replaces "one" with a lag marker

	n := <-s.C()
	if n.Kind != KindLagged {
		t.Fatalf("expected a lag marker first, got %+v", n)
	}
}

func TestBusShutdownClosesSubscribers(t *testing.T) {
	b := New(8)
	s := b.Subscribe()

	b.Shutdown()

	n, ok := <-s.C()
	if !ok || n.Kind != KindShutdown {
		t.Fatalf("expected a shutdown notification, got ok=%v n=%+v", ok, n)
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("expected the subscriber channel to be closed after shutdown")
	}

	// Publishing after shutdown is a no-op, not a panic.
	b.PublishMessage("wss://r1", []byte("late"))
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	s := b.Subscribe()
	s.Unsubscribe()
	b.PublishMessage("wss://r1", []byte("x"))
	if _, ok := <-s.C(); ok {
		t.Fatal("expected no delivery after unsubscribe")
	}
}
