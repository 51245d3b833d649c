package gossip

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/gossipstore"
	"github.com/nostrrelay/sdk/gossipstore/memstore"
	"github.com/nostrrelay/sdk/relayurl"
)

func newTestRouter(t *testing.T, recs ...gossipstore.AuthorRecord) *Router {
	t.Helper()
	store := memstore.New()
	for _, rec := range recs {
		if err := store.PutAuthor(context.Background(), rec); err != nil {
			t.Fatalf("PutAuthor: %v", err)
		}
	}
	allowed := relayurl.AllowedPolicy{Onion: true, Local: true, WithoutTLS: true}
	return NewRouter(store, DefaultLimits(), allowed)
}

func TestBreakDownAuthorsOnly(t *testing.T) {
	r := newTestRouter(t, gossipstore.AuthorRecord{
		PubKey: "alice",
		Write:  []gossipstore.RelaySelection{{URL: "wss://w1"}},
		Hints:  []gossipstore.RelaySelection{{URL: "wss://h1", Hint: true}},
	})

	bd, err := r.BreakDown(context.Background(), nostr.Filter{Authors: []string{"alice"}, Kinds: []int{1}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindFilters {
		t.Fatalf("expected KindFilters, got %v", bd.Kind)
	}
	for _, url := range []string{"wss://w1", "wss://h1"} {
		f, ok := bd.Filters[url]
		if !ok {
			t.Fatalf("expected %s in breakdown, got %v", url, bd.Filters)
		}
		if len(f.Authors) != 1 || f.Authors[0] != "alice" {
			t.Fatalf("%s: expected authors restricted to alice, got %v", url, f.Authors)
		}
		if len(f.Kinds) != 1 || f.Kinds[0] != 1 {
			t.Fatalf("%s: expected other selectors preserved, got %v", url, f.Kinds)
		}
	}
}

func TestBreakDownAuthorsGroupedPerURL(t *testing.T) {
	r := newTestRouter(t,
		gossipstore.AuthorRecord{PubKey: "alice", Write: []gossipstore.RelaySelection{{URL: "wss://shared"}}},
		gossipstore.AuthorRecord{PubKey: "bob", Write: []gossipstore.RelaySelection{{URL: "wss://shared"}, {URL: "wss://only-bob"}}},
	)

	bd, err := r.BreakDown(context.Background(), nostr.Filter{Authors: []string{"alice", "bob"}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if got := bd.Filters["wss://shared"].Authors; len(got) != 2 {
		t.Fatalf("expected both authors grouped on the shared relay, got %v", got)
	}
	if got := bd.Filters["wss://only-bob"].Authors; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected only bob on his own relay, got %v", got)
	}
}

func TestBreakDownPTagUsesReadRelays(t *testing.T) {
	r := newTestRouter(t, gossipstore.AuthorRecord{
		PubKey: "bob",
		Read:   []gossipstore.RelaySelection{{URL: "wss://inbox"}},
	})

	f := nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"p": []string{"bob"}}}
	bd, err := r.BreakDown(context.Background(), f)
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindFilters {
		t.Fatalf("expected KindFilters, got %v", bd.Kind)
	}
	got, ok := bd.Filters["wss://inbox"]
	if !ok {
		t.Fatalf("expected bob's read relay, got %v", bd.Filters)
	}
	if p := got.Tags["p"]; len(p) != 1 || p[0] != "bob" {
		t.Fatalf("expected #p restricted to bob, got %v", p)
	}
}

func TestBreakDownGiftWrapIncludesPrivateMessageRelays(t *testing.T) {
	r := newTestRouter(t, gossipstore.AuthorRecord{
		PubKey:         "bob",
		Read:           []gossipstore.RelaySelection{{URL: "wss://inbox"}},
		PrivateMessage: []gossipstore.RelaySelection{{URL: "wss://dm"}},
	})

	f := nostr.Filter{Kinds: []int{KindGiftWrap}, Tags: nostr.TagMap{"p": []string{"bob"}}}
	bd, err := r.BreakDown(context.Background(), f)
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if _, ok := bd.Filters["wss://inbox"]; !ok {
		t.Fatalf("expected bob's read relay in NIP-17 breakdown, got %v", bd.Filters)
	}
	if _, ok := bd.Filters["wss://dm"]; !ok {
		t.Fatalf("expected bob's private-message relay in NIP-17 breakdown, got %v", bd.Filters)
	}
}

func TestBreakDownBothSendsFilterUnchanged(t *testing.T) {
	r := newTestRouter(t,
		gossipstore.AuthorRecord{PubKey: "alice", Write: []gossipstore.RelaySelection{{URL: "wss://w"}}},
		gossipstore.AuthorRecord{PubKey: "bob", Read: []gossipstore.RelaySelection{{URL: "wss://r"}}},
	)

	f := nostr.Filter{Authors: []string{"alice"}, Kinds: []int{1}, Tags: nostr.TagMap{"p": []string{"bob"}}}
	bd, err := r.BreakDown(context.Background(), f)
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindFilters {
		t.Fatalf("expected KindFilters, got %v", bd.Kind)
	}
	for url, got := range bd.Filters {
		if len(got.Authors) != 1 || got.Authors[0] != "alice" || len(got.Tags["p"]) != 1 {
			t.Fatalf("%s: expected the original filter unchanged, got %+v", url, got)
		}
	}
}

func TestBreakDownNeitherIsOther(t *testing.T) {
	r := newTestRouter(t)
	bd, err := r.BreakDown(context.Background(), nostr.Filter{Kinds: []int{1}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindOther {
		t.Fatalf("expected KindOther for a filter with no authors/#p, got %v", bd.Kind)
	}
}

func TestBreakDownUnknownAuthorIsOrphan(t *testing.T) {
	r := newTestRouter(t)
	bd, err := r.BreakDown(context.Background(), nostr.Filter{Authors: []string{"nobody"}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindOrphan {
		t.Fatalf("expected KindOrphan for an author with no known relays, got %v", bd.Kind)
	}
}

func TestBreakDownFiltersDisallowedURLs(t *testing.T) {
	store := memstore.New()
	_ = store.PutAuthor(context.Background(), gossipstore.AuthorRecord{
		PubKey: "alice",
		Write: []gossipstore.RelaySelection{
			{URL: "ws://plaintext"},
			{URL: "wss://ok"},
		},
	})
	r := NewRouter(store, DefaultLimits(), relayurl.AllowedPolicy{})

	bd, err := r.BreakDown(context.Background(), nostr.Filter{Authors: []string{"alice"}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if _, ok := bd.Filters["ws://plaintext"]; ok {
		t.Fatal("expected the no-TLS relay to be filtered out")
	}
	if _, ok := bd.Filters["wss://ok"]; !ok {
		t.Fatalf("expected the TLS relay to survive, got %v", bd.Filters)
	}
}

func TestBreakDownMostReceivedFromObservedTraffic(t *testing.T) {
	// Author with no NIP-65 list at all: routing falls back to the relays
	// their events were actually received from.
	store := memstore.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = store.RecordObservation(ctx, "alice", "wss://busy")
	}
	_ = store.RecordObservation(ctx, "alice", "wss://quiet")

	r := NewRouter(store, Limits{MostReceived: 1}, relayurl.AllowedPolicy{})
	bd, err := r.BreakDown(ctx, nostr.Filter{Authors: []string{"alice"}})
	if err != nil {
		t.Fatalf("BreakDown: %v", err)
	}
	if bd.Kind != KindFilters {
		t.Fatalf("expected KindFilters from observed traffic alone, got %v", bd.Kind)
	}
	if _, ok := bd.Filters["wss://busy"]; !ok || len(bd.Filters) != 1 {
		t.Fatalf("expected only the busiest observed relay, got %v", bd.Filters)
	}
}

func TestLimitSelectionsDeterministicOrder(t *testing.T) {
	sels := []gossipstore.RelaySelection{
		{URL: "wss://b", Observed: 5},
		{URL: "wss://a", Observed: 5},
		{URL: "wss://c", Observed: 9},
	}
	got := limitSelections(sels, 2)
	if len(got) != 2 || got[0].URL != "wss://c" || got[1].URL != "wss://a" {
		t.Fatalf("expected [wss://c wss://a] (count desc, url asc), got %+v", got)
	}
}
