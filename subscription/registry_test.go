package subscription

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestExitOnEOSERemovesEntry(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("sub1", []nostr.Filter{{Kinds: []int{1}}}, AutoClose{Mode: ExitOnEOSE}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.MarkEOSE("sub1")
	if _, ok := r.Get("sub1"); ok {
		t.Fatal("expected ExitOnEOSE subscription to be removed after EOSE")
	}
}

func TestNeverSurvivesEOSEAndIsReplayed(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("sub1", []nostr.Filter{{Kinds: []int{1}}}, AutoClose{Mode: Never}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.MarkEOSE("sub1")
	if _, ok := r.Get("sub1"); !ok {
		t.Fatal("expected Never subscription to survive EOSE")
	}
	if got := r.NonAutoClosing(); len(got) != 1 || got[0].ID != "sub1" {
		t.Fatalf("expected sub1 in NonAutoClosing, got %+v", got)
	}
}

func TestEventsLimitCloses(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("sub1", nil, AutoClose{Mode: EventsLimit, Limit: 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.RecordEvent("sub1")
	if _, ok := r.Get("sub1"); !ok {
		t.Fatal("expected subscription to survive first event")
	}
	r.RecordEvent("sub1")
	if _, ok := r.Get("sub1"); ok {
		t.Fatal("expected subscription to close after hitting its events limit")
	}
}

func TestWaitAfterEOSESweep(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("sub1", nil, AutoClose{Mode: WaitAfterEOSE, Wait: 10 * time.Millisecond}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.MarkEOSE("sub1")
	r.Sweep(time.Now())
	if _, ok := r.Get("sub1"); !ok {
		t.Fatal("expected subscription to survive before wait window elapses")
	}
	r.Sweep(time.Now().Add(time.Second))
	if _, ok := r.Get("sub1"); ok {
		t.Fatal("expected subscription to close once the wait window elapses")
	}
}

func TestMaxConcurrentSubsEnforced(t *testing.T) {
	r := NewRegistry()
	r.SetMax(1)
	if err := r.Add("sub1", nil, AutoClose{Mode: Never}); err != nil {
		t.Fatalf("Add sub1: %v", err)
	}
	if err := r.Add("sub2", nil, AutoClose{Mode: Never}); err == nil {
		t.Fatal("expected second subscription to be rejected once at capacity")
	}
	// Resubscribing an existing id must not count as a new slot.
	if err := r.Add("sub1", nil, AutoClose{Mode: Never}); err != nil {
		t.Fatalf("resubscribe sub1: %v", err)
	}
}
