// Package errs holds the sentinel errors shared across the module. Callers
// use errors.Is against these; every other error is wrapped with
// fmt.Errorf("...: %w", err) at its origin.
package errs

import "errors"

var (
	// ErrShutdown is returned by any blocking operation that was aborted
	// because the owning component (relay, pool, client) was closed.
	ErrShutdown = errors.New("shutdown")

	// ErrTimeout is returned when a context deadline elapsed while waiting
	// on a relay response (OK, EOSE, NEG-MSG round trip).
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is returned when a requested relay, subscription or
	// event id is unknown to the caller's component.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected is returned when an operation requires a live
	// websocket connection and the relay is not in the Connected state.
	ErrNotConnected = errors.New("relay not connected")

	// ErrRateLimited is returned when the relay's flood-control admission
	// check rejects a send.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRelayURL is returned by relay URL validation/normalization.
	ErrInvalidRelayURL = errors.New("invalid relay url")

	// ErrUnsupported is returned when a relay does not advertise support
	// for a required NIP (e.g. NIP-77 negentropy).
	ErrUnsupported = errors.New("unsupported by relay")

	// ErrNoRelays is returned when a gossip breakdown or broadcast finds
	// no candidate relay for a target.
	ErrNoRelays = errors.New("no relays available")

	// ErrSigner is wrapped around any failure reported by a signer.Signer
	// backend.
	ErrSigner = errors.New("signer backend error")

	// ErrGossipEmpty is returned when gossip routing for a filter
	// resolves to no usable relay: every candidate was an orphan or was
	// filtered out by the allow-list.
	ErrGossipEmpty = errors.New("gossip routing produced no relays")
)
