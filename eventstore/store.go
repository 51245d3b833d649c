// Package eventstore defines the pluggable event storage collaborator used
// by the pool and client, plus the kind categorization rules every backend
// must apply.
package eventstore

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// SaveStatus reports what a SaveEvent call actually did, since replaceable
// and ephemeral kinds don't behave like a plain insert. Only Saved means
// the event is retrievable afterwards.
type SaveStatus int

const (
	Saved SaveStatus = iota
	RejectedDuplicate
	RejectedEphemeral
	RejectedReplaced
	RejectedDeleted
	RejectedExpired
)

// Accepted reports whether the event was actually stored.
func (s SaveStatus) Accepted() bool { return s == Saved }

// IDStatus is the result of a cheap existence check ahead of a full fetch,
// used by the pool to answer "do I already have this?" before accepting an
// EVENT from a subscription.
type IDStatus int

const (
	IDUnknown IDStatus = iota
	IDHave
	IDDeleted
)

// Coordinate identifies a parameterized-replaceable event (NIP-33) by
// kind, pubkey and "d" tag value.
type Coordinate struct {
	Kind   int
	PubKey string
	D      string
}

// NegentropyItem is the (id, created_at) pair the reconciliation engine
// needs from local storage to build its range fingerprints.
type NegentropyItem struct {
	ID        string
	CreatedAt nostr.Timestamp
}

// Store is the storage collaborator interface. It owns no networking and
// is never blocked on a relay round trip.
type Store interface {
	SaveEvent(ctx context.Context, evt *nostr.Event) (SaveStatus, error)
	CheckID(ctx context.Context, id string) (IDStatus, error)
	HasCoordinateBeenDeleted(ctx context.Context, coord Coordinate, newer nostr.Timestamp) (bool, error)
	EventByID(ctx context.Context, id string) (*nostr.Event, error)
	Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
	Count(ctx context.Context, f nostr.Filter) (int64, error)
	NegentropyItems(ctx context.Context, f nostr.Filter) ([]NegentropyItem, error)
	Delete(ctx context.Context, f nostr.Filter) error
	Wipe(ctx context.Context) error
	Close() error
}

// IsReplaceable reports whether kind follows last-write-wins replacement
// semantics (kind 0, 3, or 10000-19999).
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsParameterizedReplaceable reports whether kind uses a "d" tag as part of
// its replacement key (NIP-33).
func IsParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsEphemeral reports whether kind is never persisted (NIP-16).
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}
