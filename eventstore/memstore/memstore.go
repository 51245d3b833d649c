// Package memstore is the default in-memory eventstore.Store, used when no
// persistent backend is configured and by tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/eventstore"
)

// Store is a goroutine-safe in-memory event store.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*nostr.Event
	replace    map[string]*nostr.Event // key: replaceable coordinate
	deleted    map[string]nostr.Timestamp
	deletedIDs map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:       make(map[string]*nostr.Event),
		replace:    make(map[string]*nostr.Event),
		deleted:    make(map[string]nostr.Timestamp),
		deletedIDs: make(map[string]struct{}),
	}
}

func replaceKey(kind int, pubkey, d string) string {
	if eventstore.IsParameterizedReplaceable(kind) {
		return fmt.Sprintf("%d:%s:%s", kind, pubkey, d)
	}
	return fmt.Sprintf("%d:%s", kind, pubkey)
}

func dTagOf(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// SaveEvent stores evt, applying replacement and deletion rules.
func (s *Store) SaveEvent(ctx context.Context, evt *nostr.Event) (eventstore.SaveStatus, error) {
	if evt == nil {
		return 0, fmt.Errorf("memstore: nil event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[evt.ID]; ok {
		return eventstore.RejectedDuplicate, nil
	}
	if _, ok := s.deletedIDs[evt.ID]; ok {
		return eventstore.RejectedDeleted, nil
	}
	if expired(evt) {
		return eventstore.RejectedExpired, nil
	}

	const kindDeletion = 5
	if evt.Kind == kindDeletion {
		s.applyDeletionLocked(evt)
	}

	if eventstore.IsEphemeral(evt.Kind) {
		return eventstore.RejectedEphemeral, nil
	}

	if eventstore.IsReplaceable(evt.Kind) || eventstore.IsParameterizedReplaceable(evt.Kind) {
		key := replaceKey(evt.Kind, evt.PubKey, dTagOf(evt))
		if ts, ok := s.deleted[coordOf(evt, key)]; ok && ts >= evt.CreatedAt {
			return eventstore.RejectedDeleted, nil
		}
		if existing, ok := s.replace[key]; ok {
			if existing.CreatedAt >= evt.CreatedAt {
				return eventstore.RejectedReplaced, nil
			}
			delete(s.byID, existing.ID)
		}
		s.replace[key] = evt
		s.byID[evt.ID] = evt
		return eventstore.Saved, nil
	}

	s.byID[evt.ID] = evt
	return eventstore.Saved, nil
}

// expired reports whether evt carries a NIP-40 expiration tag in the past.
func expired(evt *nostr.Event) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "expiration" {
			ts, err := strconv.ParseInt(tag[1], 10, 64)
			return err == nil && ts <= time.Now().Unix()
		}
	}
	return false
}

// coordOf renders the "a"-tag coordinate string for a replaceable event.
// For non-parameterized kinds the key already is kind:pubkey, so append
// the empty d value the same way deletion tags spell it.
func coordOf(evt *nostr.Event, key string) string {
	if eventstore.IsParameterizedReplaceable(evt.Kind) {
		return key
	}
	return key + ":"
}

// applyDeletionLocked records coordinates/ids a kind-5 deletion targets.
// Caller must hold s.mu.
func (s *Store) applyDeletionLocked(evt *nostr.Event) {
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			if target, ok := s.byID[tag[1]]; ok && target.PubKey == evt.PubKey {
				delete(s.byID, tag[1])
				s.deletedIDs[tag[1]] = struct{}{}
			}
		case "a":
			parts := strings.SplitN(tag[1], ":", 3)
			if len(parts) != 3 || parts[1] != evt.PubKey {
				continue
			}
			s.deleted[tag[1]] = evt.CreatedAt
			key := strings.TrimSuffix(tag[1], ":")
			if existing, ok := s.replace[key]; ok && existing.CreatedAt <= evt.CreatedAt {
				delete(s.byID, existing.ID)
				delete(s.replace, key)
			}
		}
	}
}

// CheckID reports whether id is already stored or was deleted.
func (s *Store) CheckID(ctx context.Context, id string) (eventstore.IDStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; ok {
		return eventstore.IDHave, nil
	}
	if _, ok := s.deletedIDs[id]; ok {
		return eventstore.IDDeleted, nil
	}
	return eventstore.IDUnknown, nil
}

// HasCoordinateBeenDeleted reports whether a kind-5 "a" tag deletion for
// coord was recorded at or after newer.
func (s *Store) HasCoordinateBeenDeleted(ctx context.Context, coord eventstore.Coordinate, newer nostr.Timestamp) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := fmt.Sprintf("%d:%s:%s", coord.Kind, coord.PubKey, coord.D)
	ts, ok := s.deleted[key]
	return ok && ts >= newer, nil
}

// EventByID returns the stored event, or eventstore.ErrNotFound-equivalent
// nil/nil if absent (callers check for nil).
func (s *Store) EventByID(ctx context.Context, id string) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id], nil
}

// matchesLocked implements NIP-01 filter matching directly rather than
// relying on a helper from nbd-wtf/go-nostr, since the store needs to work
// the same way against both the bundled memory store and third-party
// eventstore.Store adapters that may not share that helper.
func (s *Store) matchesLocked(evt *nostr.Event, f nostr.Filter) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for tagName, values := range f.Tags {
		if !eventHasAnyTagValue(evt, tagName, values) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func eventHasAnyTagValue(evt *nostr.Event, tagName string, values []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == tagName && containsString(values, tag[1]) {
			return true
		}
	}
	return false
}

// Query returns events matching f, newest first, honoring f.Limit.
func (s *Store) Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*nostr.Event
	for _, evt := range s.byID {
		if s.matchesLocked(evt, f) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count returns the number of events matching f.
func (s *Store) Count(ctx context.Context, f nostr.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, evt := range s.byID {
		if s.matchesLocked(evt, f) {
			n++
		}
	}
	return n, nil
}

// NegentropyItems returns the (id, created_at) vector the reconciliation
// engine reconciles against, sorted by created_at then id as NIP-77
// requires.
func (s *Store) NegentropyItems(ctx context.Context, f nostr.Filter) ([]eventstore.NegentropyItem, error) {
	events, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]eventstore.NegentropyItem, len(events))
	for i, evt := range events {
		items[i] = eventstore.NegentropyItem{ID: evt.ID, CreatedAt: evt.CreatedAt}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// Delete removes all events matching f.
func (s *Store) Delete(ctx context.Context, f nostr.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, evt := range s.byID {
		if s.matchesLocked(evt, f) {
			delete(s.byID, id)
		}
	}
	return nil
}

// Wipe removes every stored event.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*nostr.Event)
	s.replace = make(map[string]*nostr.Event)
	s.deleted = make(map[string]nostr.Timestamp)
	s.deletedIDs = make(map[string]struct{})
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

var _ eventstore.Store = (*Store)(nil)
