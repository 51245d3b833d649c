package gossip

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/gossipstore"
	"github.com/nostrrelay/sdk/internal/log"
)

const logTag = "gossip"

// ReconcileOutcome is the narrow slice of a negentropy sync result the
// updater needs: which relays failed outright and so get a direct
// fallback fetch.
type ReconcileOutcome struct {
	Failed map[string]error
}

// Deps are the pool/negentropy collaborators the updater drives. Kept as
// plain functions rather than concrete pool.Pool/negentropy.Engine types so
// this package has no import-cycle risk and stays testable with fakes.
type Deps struct {
	// DiscoveryReadURLs returns every relay URL with DISCOVERY or READ
	// capability (pool.RelaysWithCap(DISCOVERY|READ)).
	DiscoveryReadURLs func(ctx context.Context) []string

	// Reconcile runs a negentropy sync of filter against urls and reports
	// per-relay failures; successfully-synced events are expected to
	// already be saved to the local store by the time this returns.
	Reconcile func(ctx context.Context, urls []string, filter nostr.Filter) (ReconcileOutcome, error)

	// FetchFrom issues a plain REQ-style point fetch against url with a
	// short timeout, used for the newer-since and missing-filter fallback
	// steps after a partial reconciliation.
	FetchFrom func(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error)

	// QueryLocal returns locally stored events matching filter, used to
	// discover what the reconciliation pass actually landed.
	QueryLocal func(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// Updater drives freshness refreshes for the gossip store's per-author
// relay lists.
type Updater struct {
	store gossipstore.Store
	sem   *Semaphore
	deps  Deps
	ttl   time.Duration

	fetchTimeout time.Duration
	syncID       atomic.Uint64
}

// NewUpdater builds an Updater over the given gossip store, using ttl as
// the freshness window (config.Gossip.FreshnessTTLMin) and fetchTimeout
// for the step 5/6 fallback point-queries.
func NewUpdater(store gossipstore.Store, sem *Semaphore, deps Deps, ttl, fetchTimeout time.Duration) *Updater {
	return &Updater{store: store, sem: sem, deps: deps, ttl: ttl, fetchTimeout: fetchTimeout}
}

// EnsureFresh refreshes every pubkey in pubkeys whose gossip lists are
// missing or outdated, for the given list kinds. Freshness is tracked per
// (author, list kind): an author with a fresh NIP-65 list but a stale
// NIP-17 list is still a candidate when kinds includes 10050. It is safe
// to call concurrently with overlapping pubkey sets: the gossip semaphore
// serializes refreshes per author without risking deadlock.
func (u *Updater) EnsureFresh(ctx context.Context, pubkeys []string, kinds []int) error {
	candidates, err := u.computeCandidates(ctx, pubkeys, kinds)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	syncID := u.syncID.Add(1)
	log.Printf(logTag, "sync %d: acquiring permits for %d authors", syncID, len(candidates))

	permit, err := u.sem.Acquire(ctx, candidates)
	if err != nil {
		return err
	}
	defer permit.Release()

	// Re-check after acquiring: another goroutine may have refreshed
	// these authors while we waited.
	recheck, err := u.computeCandidates(ctx, candidates, kinds)
	if err != nil {
		return err
	}
	if len(recheck) == 0 {
		log.Printf(logTag, "sync %d: skipped, refreshed by another caller while waiting", syncID)
		return nil
	}

	return u.refresh(ctx, syncID, recheck, kinds)
}

// computeCandidates returns the authors with at least one of the given
// list kinds due for a fetch.
func (u *Updater) computeCandidates(ctx context.Context, pubkeys []string, kinds []int) ([]string, error) {
	var out []string
	for _, pk := range pubkeys {
		for _, kind := range kinds {
			stale, err := u.store.NeedsRefresh(ctx, pk, kind, u.ttl)
			if err != nil {
				return nil, err
			}
			if stale {
				out = append(out, pk)
				break
			}
		}
	}
	return out, nil
}

func (u *Updater) refresh(ctx context.Context, syncID uint64, candidates []string, kinds []int) error {
	filter := nostr.Filter{Authors: candidates, Kinds: kinds}
	urls := u.deps.DiscoveryReadURLs(ctx)

	outcome, err := u.deps.Reconcile(ctx, urls, filter)
	if err != nil {
		return err
	}

	stored, err := u.deps.QueryLocal(ctx, filter)
	if err != nil {
		return err
	}

	// missing tracks which (author, kind) pairs no list event has landed
	// for yet.
	missing := make(map[int]map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		missing[kind] = make(map[string]struct{}, len(candidates))
		for _, pk := range candidates {
			missing[kind][pk] = struct{}{}
		}
	}
	for _, evt := range stored {
		if err := IngestListEvent(ctx, u.store, evt); err != nil {
			log.Printf(logTag, "sync %d: ingest %s failed: %v", syncID, evt.ID, err)
		}
		if set, ok := missing[evt.Kind]; ok {
			delete(set, evt.PubKey)
		}
	}

	if len(outcome.Failed) > 0 {
		log.Printf(logTag, "sync %d: %d relays failed reconciliation", syncID, len(outcome.Failed))
		u.fetchNewerFromFailed(ctx, syncID, outcome, stored, missing)
		u.fetchMissingFromFailed(ctx, syncID, outcome, missing)
	}

	// Every attempted (author, kind) pair is stamped regardless of
	// outcome, so a missing list is not re-fetched until the TTL elapses.
	now := time.Now()
	for _, pk := range candidates {
		for _, kind := range kinds {
			_ = u.store.MarkChecked(ctx, pk, kind, now)
		}
	}
	log.Printf(logTag, "sync %d: terminated", syncID)
	return nil
}

// fetchNewerFromFailed issues a since-bounded point query per relay that
// failed reconciliation, catching any list newer than the one the sync
// landed locally.
func (u *Updater) fetchNewerFromFailed(ctx context.Context, syncID uint64, outcome ReconcileOutcome, stored []*nostr.Event, missing map[int]map[string]struct{}) {
	for _, evt := range stored {
		if set, ok := missing[evt.Kind]; ok {
			if _, stillMissing := set[evt.PubKey]; stillMissing {
				continue
			}
		}
		since := nostr.Timestamp(int64(evt.CreatedAt) + 1)
		f := nostr.Filter{Authors: []string{evt.PubKey}, Kinds: []int{evt.Kind}, Since: &since, Limit: 1}
		for url := range outcome.Failed {
			events, err := u.deps.FetchFrom(ctx, url, f, u.fetchTimeout)
			if err != nil {
				continue
			}
			for _, e := range events {
				_ = IngestListEvent(ctx, u.store, e)
			}
		}
	}
}

// fetchMissingFromFailed issues the original query to every relay that
// failed reconciliation, for (author, kind) pairs still missing after the
// newer-since pass.
func (u *Updater) fetchMissingFromFailed(ctx context.Context, syncID uint64, outcome ReconcileOutcome, missing map[int]map[string]struct{}) {
	for kind, set := range missing {
		if len(set) == 0 {
			continue
		}
		authors := make([]string, 0, len(set))
		for pk := range set {
			authors = append(authors, pk)
		}
		sort.Strings(authors)
		f := nostr.Filter{Authors: authors, Kinds: []int{kind}}
		for url := range outcome.Failed {
			events, err := u.deps.FetchFrom(ctx, url, f, u.fetchTimeout)
			if err != nil {
				continue
			}
			for _, e := range events {
				if err := IngestListEvent(ctx, u.store, e); err == nil {
					delete(set, e.PubKey)
				}
			}
		}
	}
}
