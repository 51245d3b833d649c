// Package memstore is the default in-memory gossipstore.Store, built over
// an xsync.MapOf so reads (the dominant access pattern) never block on a
// single mutex.
package memstore

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrrelay/sdk/gossipstore"
)

// Store is a goroutine-safe in-memory gossipstore.Store.
type Store struct {
	authors *xsync.MapOf[string, gossipstore.AuthorRecord]
}

// New returns an empty Store.
func New() *Store {
	return &Store{authors: xsync.NewMapOf[string, gossipstore.AuthorRecord]()}
}

func (s *Store) GetAuthor(ctx context.Context, pubkey string) (gossipstore.AuthorRecord, bool, error) {
	rec, ok := s.authors.Load(pubkey)
	return rec, ok, nil
}

func (s *Store) PutAuthor(ctx context.Context, rec gossipstore.AuthorRecord) error {
	s.authors.Store(rec.PubKey, rec)
	return nil
}

func (s *Store) RecordObservation(ctx context.Context, pubkey, relayURL string) error {
	s.authors.Compute(pubkey, func(rec gossipstore.AuthorRecord, loaded bool) (gossipstore.AuthorRecord, bool) {
		if !loaded {
			rec = gossipstore.AuthorRecord{PubKey: pubkey}
		}
		rec.Observed = bumpObserved(rec.Observed, relayURL)
		return rec, false
	})
	return nil
}

func bumpObserved(selections []gossipstore.RelaySelection, url string) []gossipstore.RelaySelection {
	for i, sel := range selections {
		if sel.URL == url {
			selections[i].Observed++
			return selections
		}
	}
	return append(selections, gossipstore.RelaySelection{URL: url, Observed: 1})
}

func (s *Store) Status(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (gossipstore.ListStatus, error) {
	rec, _ := s.authors.Load(pubkey)
	return gossipstore.StatusOf(rec, listKind, ttl, time.Now()), nil
}

func (s *Store) MarkChecked(ctx context.Context, pubkey string, listKind int, at time.Time) error {
	s.authors.Compute(pubkey, func(rec gossipstore.AuthorRecord, loaded bool) (gossipstore.AuthorRecord, bool) {
		if !loaded {
			rec = gossipstore.AuthorRecord{PubKey: pubkey}
		}
		switch listKind {
		case gossipstore.ListKindNIP17:
			rec.NIP17CheckedAt = at
		default:
			rec.NIP65CheckedAt = at
		}
		return rec, false
	})
	return nil
}

func (s *Store) NeedsRefresh(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (bool, error) {
	rec, ok := s.authors.Load(pubkey)
	if !ok {
		return true, nil
	}
	return gossipstore.NeedsRefreshOf(rec, listKind, ttl, time.Now()), nil
}

func (s *Store) RemoveRelayEverywhere(ctx context.Context, relayURL string) error {
	s.authors.Range(func(pubkey string, rec gossipstore.AuthorRecord) bool {
		rec.Write = stripRelay(rec.Write, relayURL)
		rec.Read = stripRelay(rec.Read, relayURL)
		rec.PrivateMessage = stripRelay(rec.PrivateMessage, relayURL)
		rec.Hints = stripRelay(rec.Hints, relayURL)
		rec.Observed = stripRelay(rec.Observed, relayURL)
		s.authors.Store(pubkey, rec)
		return true
	})
	return nil
}

func stripRelay(selections []gossipstore.RelaySelection, url string) []gossipstore.RelaySelection {
	out := selections[:0]
	for _, sel := range selections {
		if sel.URL != url {
			out = append(out, sel)
		}
	}
	return out
}

func (s *Store) ReferencesRelay(ctx context.Context, relayURL string) (bool, error) {
	found := false
	s.authors.Range(func(_ string, rec gossipstore.AuthorRecord) bool {
		if containsRelay(rec.Write, relayURL) || containsRelay(rec.Read, relayURL) ||
			containsRelay(rec.PrivateMessage, relayURL) || containsRelay(rec.Hints, relayURL) ||
			containsRelay(rec.Observed, relayURL) {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

func containsRelay(selections []gossipstore.RelaySelection, url string) bool {
	for _, sel := range selections {
		if sel.URL == url {
			return true
		}
	}
	return false
}

func (s *Store) Close() error { return nil }

var _ gossipstore.Store = (*Store)(nil)
