package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/nostrrelay/sdk/gossipstore"
)

func TestNeedsRefreshUnknownAuthor(t *testing.T) {
	s := New()
	needs, err := s.NeedsRefresh(context.Background(), "pubkey", gossipstore.ListKindNIP65, time.Hour)
	if err != nil {
		t.Fatalf("NeedsRefresh: %v", err)
	}
	if !needs {
		t.Fatal("expected unknown author to need a refresh")
	}
}

func TestMarkCheckedBacksOffPerListKind(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.MarkChecked(ctx, "pk", gossipstore.ListKindNIP65, time.Now()); err != nil {
		t.Fatalf("MarkChecked: %v", err)
	}

	needs, err := s.NeedsRefresh(ctx, "pk", gossipstore.ListKindNIP65, time.Hour)
	if err != nil {
		t.Fatalf("NeedsRefresh: %v", err)
	}
	if needs {
		t.Fatal("expected a just-attempted NIP-65 fetch to back off")
	}

	// The NIP-17 side is tracked independently and was never attempted.
	needs, err = s.NeedsRefresh(ctx, "pk", gossipstore.ListKindNIP17, time.Hour)
	if err != nil {
		t.Fatalf("NeedsRefresh nip17: %v", err)
	}
	if !needs {
		t.Fatal("expected the untouched NIP-17 list to still need a refresh")
	}

	needs, err = s.NeedsRefresh(ctx, "pk", gossipstore.ListKindNIP65, -time.Second)
	if err != nil {
		t.Fatalf("NeedsRefresh: %v", err)
	}
	if !needs {
		t.Fatal("expected a zero/negative TTL to always need a refresh")
	}
}

func TestStatusPerListKind(t *testing.T) {
	s := New()
	ctx := context.Background()

	status, err := s.Status(ctx, "pk", gossipstore.ListKindNIP65, time.Hour)
	if err != nil || status != gossipstore.StatusMissing {
		t.Fatalf("expected missing for an unknown author, got %v err=%v", status, err)
	}

	// A fetch attempt alone never yields Updated: the list event itself
	// has to have been observed.
	if err := s.MarkChecked(ctx, "pk", gossipstore.ListKindNIP65, time.Now()); err != nil {
		t.Fatalf("MarkChecked: %v", err)
	}
	status, _ = s.Status(ctx, "pk", gossipstore.ListKindNIP65, time.Hour)
	if status != gossipstore.StatusMissing {
		t.Fatalf("expected still missing without a list event, got %v", status)
	}

	rec, _, _ := s.GetAuthor(ctx, "pk")
	rec.PubKey = "pk"
	rec.LastNIP65At = 100
	if err := s.PutAuthor(ctx, rec); err != nil {
		t.Fatalf("PutAuthor: %v", err)
	}
	status, _ = s.Status(ctx, "pk", gossipstore.ListKindNIP65, time.Hour)
	if status != gossipstore.StatusUpdated {
		t.Fatalf("expected updated with list + fresh attempt, got %v", status)
	}

	// An expired attempt degrades to outdated, not missing.
	status, _ = s.Status(ctx, "pk", gossipstore.ListKindNIP65, -time.Second)
	if status != gossipstore.StatusOutdated {
		t.Fatalf("expected outdated once the attempt ages out, got %v", status)
	}
}

func TestRecordObservationAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RecordObservation(ctx, "pk", "wss://relay.example"); err != nil {
			t.Fatalf("RecordObservation: %v", err)
		}
	}
	rec, ok, err := s.GetAuthor(ctx, "pk")
	if err != nil || !ok {
		t.Fatalf("GetAuthor: ok=%v err=%v", ok, err)
	}
	if len(rec.Observed) != 1 || rec.Observed[0].Observed != 3 {
		t.Fatalf("expected one relay observed 3 times, got %+v", rec.Observed)
	}
	if len(rec.Hints) != 0 {
		t.Fatalf("expected observation counters kept apart from hints, got %+v", rec.Hints)
	}
}

func TestRemoveRelayEverywhere(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := gossipstore.AuthorRecord{
		PubKey:   "pk",
		Write:    []gossipstore.RelaySelection{{URL: "wss://a"}, {URL: "wss://b"}},
		Read:     []gossipstore.RelaySelection{{URL: "wss://a"}},
		Observed: []gossipstore.RelaySelection{{URL: "wss://a", Observed: 7}},
	}
	if err := s.PutAuthor(ctx, rec); err != nil {
		t.Fatalf("PutAuthor: %v", err)
	}

	referenced, err := s.ReferencesRelay(ctx, "wss://a")
	if err != nil || !referenced {
		t.Fatalf("expected wss://a to be referenced, ok=%v err=%v", referenced, err)
	}

	if err := s.RemoveRelayEverywhere(ctx, "wss://a"); err != nil {
		t.Fatalf("RemoveRelayEverywhere: %v", err)
	}

	referenced, err = s.ReferencesRelay(ctx, "wss://a")
	if err != nil || referenced {
		t.Fatalf("expected wss://a to no longer be referenced, ok=%v err=%v", referenced, err)
	}

	got, _, err := s.GetAuthor(ctx, "pk")
	if err != nil {
		t.Fatalf("GetAuthor: %v", err)
	}
	if len(got.Write) != 1 || got.Write[0].URL != "wss://b" {
		t.Fatalf("expected only wss://b to remain in Write, got %+v", got.Write)
	}
	if len(got.Observed) != 0 {
		t.Fatalf("expected the observation counter stripped too, got %+v", got.Observed)
	}
}
