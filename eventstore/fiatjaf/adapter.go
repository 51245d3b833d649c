// Package fiatjaf adapts a github.com/fiatjaf/eventstore backend (SQLite,
// LMDB, Postgres, ...) to this module's eventstore.Store interface.
package fiatjaf

import (
	"context"
	"errors"
	"fmt"

	fes "github.com/fiatjaf/eventstore"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/eventstore"
)

// Adapter wraps a fiatjaf/eventstore.Store.
type Adapter struct {
	backend fes.Store
}

// New wraps an already-initialized fiatjaf/eventstore backend.
func New(backend fes.Store) *Adapter {
	return &Adapter{backend: backend}
}

func (a *Adapter) SaveEvent(ctx context.Context, evt *nostr.Event) (eventstore.SaveStatus, error) {
	if eventstore.IsEphemeral(evt.Kind) {
		return eventstore.RejectedEphemeral, nil
	}
	if err := a.backend.SaveEvent(ctx, evt); err != nil {
		if errors.Is(err, fes.ErrDupEvent) {
			return eventstore.RejectedDuplicate, nil
		}
		return 0, fmt.Errorf("fiatjaf adapter: save event: %w", err)
	}
	return eventstore.Saved, nil
}

func (a *Adapter) CheckID(ctx context.Context, id string) (eventstore.IDStatus, error) {
	events, err := a.backend.QueryEvents(ctx, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("fiatjaf adapter: check id: %w", err)
	}
	for range events {
		return eventstore.IDHave, nil
	}
	return eventstore.IDUnknown, nil
}

func (a *Adapter) HasCoordinateBeenDeleted(ctx context.Context, coord eventstore.Coordinate, newer nostr.Timestamp) (bool, error) {
	// fiatjaf/eventstore backends apply NIP-09/NIP-33 deletion on save;
	// absence of a replaceable event at or after newer implies deletion.
	f := nostr.Filter{Kinds: []int{coord.Kind}, Authors: []string{coord.PubKey}}
	if coord.D != "" {
		f.Tags = nostr.TagMap{"d": []string{coord.D}}
	}
	events, err := a.backend.QueryEvents(ctx, f)
	if err != nil {
		return false, fmt.Errorf("fiatjaf adapter: coordinate lookup: %w", err)
	}
	for evt := range events {
		if evt.CreatedAt >= newer {
			return false, nil
		}
	}
	return true, nil
}

func (a *Adapter) EventByID(ctx context.Context, id string) (*nostr.Event, error) {
	events, err := a.backend.QueryEvents(ctx, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("fiatjaf adapter: event by id: %w", err)
	}
	for evt := range events {
		return evt, nil
	}
	return nil, nil
}

func (a *Adapter) Query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	ch, err := a.backend.QueryEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("fiatjaf adapter: query: %w", err)
	}
	var out []*nostr.Event
	for evt := range ch {
		out = append(out, evt)
	}
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, f nostr.Filter) (int64, error) {
	events, err := a.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

func (a *Adapter) NegentropyItems(ctx context.Context, f nostr.Filter) ([]eventstore.NegentropyItem, error) {
	events, err := a.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	items := make([]eventstore.NegentropyItem, len(events))
	for i, evt := range events {
		items[i] = eventstore.NegentropyItem{ID: evt.ID, CreatedAt: evt.CreatedAt}
	}
	return items, nil
}

func (a *Adapter) Delete(ctx context.Context, f nostr.Filter) error {
	events, err := a.Query(ctx, f)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := a.backend.DeleteEvent(ctx, evt); err != nil {
			return fmt.Errorf("fiatjaf adapter: delete %s: %w", evt.ID, err)
		}
	}
	return nil
}

func (a *Adapter) Wipe(ctx context.Context) error {
	return fmt.Errorf("fiatjaf adapter: wipe not supported by underlying backend")
}

// Close releases the underlying backend. Matches fiatjaf/eventstore's
// Store.Close, which takes no arguments and returns nothing.
func (a *Adapter) Close() error {
	a.backend.Close()
	return nil
}

var _ eventstore.Store = (*Adapter)(nil)
