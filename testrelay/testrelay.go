// Package testrelay runs a disposable in-process NIP-01 relay used
// only by this module's own integration tests, so they can exercise the
// pool, gossip and negentropy packages against a real websocket instead of
// a fake. Backed by fiatjaf/eventstore's in-memory slicestore since these
// relays are throwaway per test run.
package testrelay

import (
	"fmt"
	"net/http/httptest"
	"strings"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
)

// Relay is one disposable in-process test relay.
type Relay struct {
	Khatru *khatru.Relay
	store  *slicestore.SliceStore
	server *httptest.Server
}

// New starts a test relay named name. Only the name and software fields of
// its relay information document are set here; NIP-77 (negentropy) is not
// enabled.
func New(name string) (*Relay, error) {
	store := &slicestore.SliceStore{}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("testrelay: init store: %w", err)
	}

	relay := khatru.NewRelay()
	relay.Info.Name = name
	relay.Info.Software = "github.com/nostrrelay/sdk/testrelay"

	relay.StoreEvent = append(relay.StoreEvent, store.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, store.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, store.DeleteEvent)

	srv := httptest.NewServer(relay)

	return &Relay{Khatru: relay, store: store, server: srv}, nil
}

// URL returns this relay's websocket URL (ws://127.0.0.1:<port>).
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close tears down the underlying HTTP test server.
func (r *Relay) Close() {
	r.server.Close()
}
