// Package redisstore is an optional gossipstore.Store backed by Redis, so
// gossip freshness state survives process restarts and can be shared by
// multiple client instances talking to the same author set.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nostrrelay/sdk/gossipstore"
)

// Store is a gossipstore.Store that keeps each author record as a JSON
// string under its own key (prefix + pubkey).
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an already-configured Redis client. prefix namespaces keys
// (e.g. "nostrrelay:gossip:") so the store can share a Redis instance with
// other data.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(pubkey string) string {
	return s.prefix + pubkey
}

func (s *Store) GetAuthor(ctx context.Context, pubkey string) (gossipstore.AuthorRecord, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(pubkey)).Bytes()
	if err == redis.Nil {
		return gossipstore.AuthorRecord{}, false, nil
	}
	if err != nil {
		return gossipstore.AuthorRecord{}, false, fmt.Errorf("redisstore: get %s: %w", pubkey, err)
	}
	var rec gossipstore.AuthorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return gossipstore.AuthorRecord{}, false, fmt.Errorf("redisstore: decode %s: %w", pubkey, err)
	}
	return rec, true, nil
}

func (s *Store) PutAuthor(ctx context.Context, rec gossipstore.AuthorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", rec.PubKey, err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.PubKey), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: put %s: %w", rec.PubKey, err)
	}
	return nil
}

func (s *Store) RecordObservation(ctx context.Context, pubkey, relayURL string) error {
	rec, _, err := s.GetAuthor(ctx, pubkey)
	if err != nil {
		return err
	}
	rec.PubKey = pubkey
	found := false
	for i, sel := range rec.Observed {
		if sel.URL == relayURL {
			rec.Observed[i].Observed++
			found = true
			break
		}
	}
	if !found {
		rec.Observed = append(rec.Observed, gossipstore.RelaySelection{URL: relayURL, Observed: 1})
	}
	return s.PutAuthor(ctx, rec)
}

func (s *Store) Status(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (gossipstore.ListStatus, error) {
	rec, _, err := s.GetAuthor(ctx, pubkey)
	if err != nil {
		return gossipstore.StatusMissing, err
	}
	return gossipstore.StatusOf(rec, listKind, ttl, time.Now()), nil
}

func (s *Store) MarkChecked(ctx context.Context, pubkey string, listKind int, at time.Time) error {
	rec, _, err := s.GetAuthor(ctx, pubkey)
	if err != nil {
		return err
	}
	rec.PubKey = pubkey
	switch listKind {
	case gossipstore.ListKindNIP17:
		rec.NIP17CheckedAt = at
	default:
		rec.NIP65CheckedAt = at
	}
	return s.PutAuthor(ctx, rec)
}

func (s *Store) NeedsRefresh(ctx context.Context, pubkey string, listKind int, ttl time.Duration) (bool, error) {
	rec, ok, err := s.GetAuthor(ctx, pubkey)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return gossipstore.NeedsRefreshOf(rec, listKind, ttl, time.Now()), nil
}

// RemoveRelayEverywhere scans known keys via SCAN rather than KEYS, per
// Redis best practice for avoiding blocking the server on large keyspaces.
func (s *Store) RemoveRelayEverywhere(ctx context.Context, relayURL string) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		pubkey := iter.Val()[len(s.prefix):]
		rec, ok, err := s.GetAuthor(ctx, pubkey)
		if err != nil || !ok {
			continue
		}
		rec.Write = stripRelay(rec.Write, relayURL)
		rec.Read = stripRelay(rec.Read, relayURL)
		rec.PrivateMessage = stripRelay(rec.PrivateMessage, relayURL)
		rec.Hints = stripRelay(rec.Hints, relayURL)
		rec.Observed = stripRelay(rec.Observed, relayURL)
		if err := s.PutAuthor(ctx, rec); err != nil {
			return err
		}
	}
	return iter.Err()
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
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		pubkey := iter.Val()[len(s.prefix):]
		rec, ok, err := s.GetAuthor(ctx, pubkey)
		if err != nil || !ok {
			continue
		}
		if containsRelay(rec.Write, relayURL) || containsRelay(rec.Read, relayURL) ||
			containsRelay(rec.PrivateMessage, relayURL) || containsRelay(rec.Hints, relayURL) ||
			containsRelay(rec.Observed, relayURL) {
			return true, nil
		}
	}
	return false, iter.Err()
}

func containsRelay(selections []gossipstore.RelaySelection, url string) bool {
	for _, sel := range selections {
		if sel.URL == url {
			return true
		}
	}
	return false
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ gossipstore.Store = (*Store)(nil)
