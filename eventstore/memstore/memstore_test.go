package memstore

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/eventstore"
)

func TestSaveEventDeduplicates(t *testing.T) {
	s := New()
	ctx := context.Background()
	evt := &nostr.Event{ID: "abc", PubKey: "pk", Kind: 1, CreatedAt: 100}

	status, err := s.SaveEvent(ctx, evt)
	if err != nil || status != eventstore.Saved {
		t.Fatalf("first save: status=%v err=%v", status, err)
	}

	status, err = s.SaveEvent(ctx, evt)
	if err != nil || status != eventstore.RejectedDuplicate {
		t.Fatalf("second save: status=%v err=%v", status, err)
	}
}

func TestSaveEventReplacesOlderReplaceable(t *testing.T) {
	s := New()
	ctx := context.Background()

	older := &nostr.Event{ID: "old", PubKey: "pk", Kind: 0, CreatedAt: 100}
	newer := &nostr.Event{ID: "new", PubKey: "pk", Kind: 0, CreatedAt: 200}

	if _, err := s.SaveEvent(ctx, older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	status, err := s.SaveEvent(ctx, newer)
	if err != nil || status != eventstore.Saved {
		t.Fatalf("save newer: status=%v err=%v", status, err)
	}

	got, err := s.EventByID(ctx, "old")
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	if got != nil {
		t.Fatal("expected older replaceable event to be gone")
	}

	// An older event arriving after the newer one is rejected.
	status, err = s.SaveEvent(ctx, older)
	if err != nil || status != eventstore.RejectedReplaced {
		t.Fatalf("save stale older: status=%v err=%v", status, err)
	}
}

func TestSaveEventRejectsEphemeral(t *testing.T) {
	s := New()
	ctx := context.Background()

	evt := &nostr.Event{ID: "eph", PubKey: "pk", Kind: 20001, CreatedAt: 100}
	status, err := s.SaveEvent(ctx, evt)
	if err != nil || status != eventstore.RejectedEphemeral {
		t.Fatalf("save ephemeral: status=%v err=%v", status, err)
	}
	got, err := s.EventByID(ctx, "eph")
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	if got != nil {
		t.Fatal("ephemeral events must never be stored")
	}
}

func TestDeletedIDStaysDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()

	note := &nostr.Event{ID: "note1", PubKey: "pk", Kind: 1, CreatedAt: 100}
	if _, err := s.SaveEvent(ctx, note); err != nil {
		t.Fatalf("save note: %v", err)
	}
	del := &nostr.Event{ID: "del1", PubKey: "pk", Kind: 5, CreatedAt: 200, Tags: nostr.Tags{{"e", "note1"}}}
	if _, err := s.SaveEvent(ctx, del); err != nil {
		t.Fatalf("save deletion: %v", err)
	}

	idStatus, err := s.CheckID(ctx, "note1")
	if err != nil || idStatus != eventstore.IDDeleted {
		t.Fatalf("CheckID after deletion: status=%v err=%v", idStatus, err)
	}

	status, err := s.SaveEvent(ctx, note)
	if err != nil || status != eventstore.RejectedDeleted {
		t.Fatalf("re-save of deleted event: status=%v err=%v", status, err)
	}
}

func TestParameterizedReplaceableKeysByDTag(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := &nostr.Event{ID: "a", PubKey: "pk", Kind: 30023, CreatedAt: 100, Tags: nostr.Tags{{"d", "post-1"}}}
	b := &nostr.Event{ID: "b", PubKey: "pk", Kind: 30023, CreatedAt: 100, Tags: nostr.Tags{{"d", "post-2"}}}

	if _, err := s.SaveEvent(ctx, a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if _, err := s.SaveEvent(ctx, b); err != nil {
		t.Fatalf("save b: %v", err)
	}

	events, err := s.Query(ctx, nostr.Filter{Kinds: []int{30023}, Authors: []string{"pk"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two distinct articles by d-tag, got %d", len(events))
	}
}

func TestQueryHonorsLimitAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evt := &nostr.Event{ID: string(rune('a' + i)), PubKey: "pk", Kind: 1, CreatedAt: nostr.Timestamp(i)}
		if _, err := s.SaveEvent(ctx, evt); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	events, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit=2 to cap results, got %d", len(events))
	}
	if events[0].CreatedAt < events[1].CreatedAt {
		t.Fatal("expected newest-first ordering")
	}
}

func TestNegentropyItemsSortedByCreatedAtThenID(t *testing.T) {
	s := New()
	ctx := context.Background()

	events := []*nostr.Event{
		{ID: "z", PubKey: "pk", Kind: 1, CreatedAt: 100},
		{ID: "a", PubKey: "pk", Kind: 1, CreatedAt: 100},
		{ID: "m", PubKey: "pk", Kind: 1, CreatedAt: 50},
	}
	for _, evt := range events {
		if _, err := s.SaveEvent(ctx, evt); err != nil {
			t.Fatalf("save %s: %v", evt.ID, err)
		}
	}

	items, err := s.NegentropyItems(ctx, nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("NegentropyItems: %v", err)
	}
	want := []string{"m", "a", "z"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("item %d: want %s, got %s", i, id, items[i].ID)
		}
	}
}

func TestDeletionRemovesOwnEventOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	note := &nostr.Event{ID: "note1", PubKey: "pk", Kind: 1, CreatedAt: 100}
	if _, err := s.SaveEvent(ctx, note); err != nil {
		t.Fatalf("save note: %v", err)
	}

	otherAuthorsDeletion := &nostr.Event{ID: "del1", PubKey: "attacker", Kind: 5, CreatedAt: 200, Tags: nostr.Tags{{"e", "note1"}}}
	if _, err := s.SaveEvent(ctx, otherAuthorsDeletion); err != nil {
		t.Fatalf("save deletion: %v", err)
	}
	got, err := s.EventByID(ctx, "note1")
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	if got == nil {
		t.Fatal("a deletion from a different author must not remove the event")
	}

	ownDeletion := &nostr.Event{ID: "del2", PubKey: "pk", Kind: 5, CreatedAt: 201, Tags: nostr.Tags{{"e", "note1"}}}
	if _, err := s.SaveEvent(ctx, ownDeletion); err != nil {
		t.Fatalf("save own deletion: %v", err)
	}
	got, err = s.EventByID(ctx, "note1")
	if err != nil {
		t.Fatalf("EventByID: %v", err)
	}
	if got != nil {
		t.Fatal("expected the author's own deletion to remove the event")
	}
}
