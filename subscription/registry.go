// Package subscription implements the per-relay subscription registry:
// live filter bookkeeping, auto-close policies, and the non-auto-closing
// set a relay.Conn replays after reconnecting.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Mode selects when a subscription closes itself.
type Mode int

const (
	// Never means the subscription stays open until explicitly closed,
	// and is replayed by relay.Conn after a reconnect.
	Never Mode = iota
	// ExitOnEOSE closes as soon as the relay signals end-of-stored-events.
	ExitOnEOSE
	// WaitAfterEOSE keeps listening for live events for a duration after
	// EOSE, then closes.
	WaitAfterEOSE
	// EventsLimit closes once N events have been delivered.
	EventsLimit
)

// AutoClose describes a subscription's close policy.
type AutoClose struct {
	Mode  Mode
	Wait  time.Duration // used when Mode == WaitAfterEOSE
	Limit int           // used when Mode == EventsLimit
}

// Entry is one tracked subscription.
type Entry struct {
	ID          string
	Filters     []nostr.Filter
	Opts        AutoClose
	eventsSeen  int
	eoseAt      time.Time
	sawEOSE     bool
}

// Registry tracks a relay's live subscriptions. Every method takes a short
// critical section and never blocks on the network.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	max     int
}

// NewRegistry returns an empty Registry with no subscription cap.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// SetMax enforces config.RelayPolicy.MaxConcurrentSubs; Add returns an
// error once the cap is reached, and the caller reports the overflow back
// on its own subscription channel.
func (r *Registry) SetMax(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = max
}

// Add registers a subscription. It overwrites any existing entry with the
// same id (a resubscribe).
func (r *Registry) Add(id string, filters []nostr.Filter, opts AutoClose) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; !exists && r.max > 0 && len(r.entries) >= r.max {
		return fmt.Errorf("subscription: max concurrent subscriptions (%d) reached", r.max)
	}
	r.entries[id] = &Entry{ID: id, Filters: filters, Opts: opts}
	return nil
}

// Remove drops a subscription, e.g. on CLOSE or CLOSED.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a copy of the tracked entry, if any.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkEOSE records that the relay reported end-of-stored-events for id,
// and removes it immediately if its policy is ExitOnEOSE.
func (r *Registry) MarkEOSE(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.sawEOSE = true
	e.eoseAt = time.Now()
	if e.Opts.Mode == ExitOnEOSE {
		delete(r.entries, id)
	}
}

// RecordEvent increments id's delivered-event counter and removes it if an
// EventsLimit policy has been reached.
func (r *Registry) RecordEvent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.eventsSeen++
	if e.Opts.Mode == EventsLimit && e.eventsSeen >= e.Opts.Limit {
		delete(r.entries, id)
	}
}

// Sweep removes WaitAfterEOSE subscriptions whose wait window has elapsed.
// Callers run this periodically (relay.Conn does so on its ping tick).
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.Opts.Mode == WaitAfterEOSE && e.sawEOSE && now.Sub(e.eoseAt) >= e.Opts.Wait {
			delete(r.entries, id)
		}
	}
}

// NonAutoClosing returns every subscription whose policy is Never, i.e.
// the set relay.Conn replays after a reconnect.
func (r *Registry) NonAutoClosing() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Opts.Mode == Never {
			out = append(out, *e)
		}
	}
	return out
}

// All returns every tracked subscription.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
