// Package gossipstore defines the pluggable gossip metadata collaborator:
// per-author relay lists, hints, observed-traffic counters, and per-list
// freshness bookkeeping for the gossip router and updater.
package gossipstore

import (
	"context"
	"time"
)

// ListKindNIP65 and ListKindNIP17 are the event kinds of the two relay
// lists this store tracks independently.
const (
	ListKindNIP65 = 10002
	ListKindNIP17 = 10050
)

// RelaySelection is a scored relay URL tracked for one author and purpose.
type RelaySelection struct {
	URL       string
	Hint      bool // came from a kind-10002 r-tag hint vs. an inferred relay
	Observed  int  // number of events seen for this author via this relay
}

// AuthorRecord is everything the gossip store knows about one pubkey.
// NIP-65 and NIP-17 lists are tracked independently: each has its own
// list-event watermark and its own last-fetch-attempt stamp.
type AuthorRecord struct {
	PubKey         string
	Write          []RelaySelection // NIP-65 outbox relays
	Read           []RelaySelection // NIP-65 inbox relays
	PrivateMessage []RelaySelection // NIP-17 kind 10050 relays
	Hints          []RelaySelection // relay hints seen on tags referencing this author
	Observed       []RelaySelection // relays events by this author actually arrived from
	LastNIP65At    int64            // created_at of the NIP-65 list this record reflects
	LastNIP17At    int64            // created_at of the NIP-17 list this record reflects
	NIP65CheckedAt time.Time        // last NIP-65 fetch attempt, successful or not
	NIP17CheckedAt time.Time        // last NIP-17 fetch attempt, successful or not
}

// ListStatus is the freshness of one (pubkey, list kind) pair.
type ListStatus int

const (
	// StatusMissing: no list event has ever been observed for this kind.
	StatusMissing ListStatus = iota
	// StatusOutdated: a list was observed, but the last fetch attempt is
	// older than the freshness TTL.
	StatusOutdated
	// StatusUpdated: a list was observed and a fetch attempt happened
	// within the TTL.
	StatusUpdated
)

func (s ListStatus) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusOutdated:
		return "outdated"
	case StatusUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// StatusOf computes rec's freshness for listKind (an event kind, 10002 or
// 10050) against ttl. Shared by the store implementations so they report
// identical semantics.
func StatusOf(rec AuthorRecord, listKind int, ttl time.Duration, now time.Time) ListStatus {
	var listAt int64
	var checkedAt time.Time
	switch listKind {
	case ListKindNIP17:
		listAt = rec.LastNIP17At
		checkedAt = rec.NIP17CheckedAt
	default:
		listAt = rec.LastNIP65At
		checkedAt = rec.NIP65CheckedAt
	}
	if listAt == 0 {
		return StatusMissing
	}
	if !checkedAt.IsZero() && now.Sub(checkedAt) <= ttl {
		return StatusUpdated
	}
	return StatusOutdated
}

// NeedsRefreshOf applies the TTL backoff: a refresh is due only when no
// fetch attempt (successful or not) happened within ttl. A missing list
// whose fetch just failed is NOT retried until the TTL elapses.
func NeedsRefreshOf(rec AuthorRecord, listKind int, ttl time.Duration, now time.Time) bool {
	var checkedAt time.Time
	switch listKind {
	case ListKindNIP17:
		checkedAt = rec.NIP17CheckedAt
	default:
		checkedAt = rec.NIP65CheckedAt
	}
	return checkedAt.IsZero() || now.Sub(checkedAt) > ttl
}

// Store is the gossip metadata collaborator interface.
type Store interface {
	// GetAuthor returns the current record for pubkey, or a zero-value
	// record and false if nothing is known yet.
	GetAuthor(ctx context.Context, pubkey string) (AuthorRecord, bool, error)

	// PutAuthor replaces the record for pubkey entirely (called after a
	// NIP-65/NIP-17 list event is parsed).
	PutAuthor(ctx context.Context, rec AuthorRecord) error

	// RecordObservation increments the observed-event counter for
	// (pubkey, relayURL). The pool calls this for every event received
	// from a relay; the "most received" selection strategy ranks relays
	// by these counters.
	RecordObservation(ctx context.Context, pubkey, relayURL string) error

	// Status reports the freshness of (pubkey, listKind) against ttl.
	Status(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (ListStatus, error)

	// MarkChecked stamps the fetch-attempt time for (pubkey, listKind),
	// regardless of whether the fetch found anything. The stamp backs the
	// TTL backoff in NeedsRefresh.
	MarkChecked(ctx context.Context, pubkey string, listKind int, at time.Time) error

	// NeedsRefresh reports whether (pubkey, listKind) is due for a fetch:
	// no attempt was recorded within ttl.
	NeedsRefresh(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (bool, error)

	// RemoveRelayEverywhere strips relayURL from every author record that
	// references it.
	RemoveRelayEverywhere(ctx context.Context, relayURL string) error

	// ReferencesRelay reports whether any author record still references
	// relayURL. The pool does not consult it: pool.RemoveRelay retains a
	// relay by its GOSSIP/DISCOVERY capability bits.
	ReferencesRelay(ctx context.Context, relayURL string) (bool, error)

	Close() error
}
