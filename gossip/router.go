package gossip

import (
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/gossipstore"
	"github.com/nostrrelay/sdk/relayurl"
)

// KindGiftWrap is NIP-17's envelope kind; its presence in a filter's kinds
// forces the NIP-65+NIP-17 breakdown pattern.
const KindGiftWrap = 1059

// Limits bounds how many relays each selection category contributes,
// mirroring config.Gossip's max_write_relays/max_read_relays/
// max_hint_relays/max_most_received/max_nip17_relays knobs.
type Limits struct {
	Write          int
	Read           int
	Hints          int
	MostReceived   int
	PrivateMessage int
}

// DefaultLimits matches config.Default()'s Gossip section.
func DefaultLimits() Limits {
	return Limits{Write: 4, Read: 4, Hints: 2, MostReceived: 2, PrivateMessage: 3}
}

// BreakdownKind discriminates the outcome of Router.BreakDown.
type BreakdownKind int

const (
	// KindFilters: dispatch the accompanying per-relay filter map.
	KindFilters BreakdownKind = iota
	// KindOrphan: the pattern matched but no relay could be resolved.
	KindOrphan
	// KindOther: not gossip-relevant; caller should use its own READ set.
	KindOther
)

// BrokenDownFilters is the result of Router.BreakDown.
type BrokenDownFilters struct {
	Kind    BreakdownKind
	Filters map[string]nostr.Filter // relay URL -> filter, when Kind == KindFilters
	Filter  nostr.Filter            // original filter, when Kind != KindFilters
}

// Router resolves the best set of relays for a filter by consulting the
// gossip store's per-author indices.
type Router struct {
	store   gossipstore.Store
	limits  Limits
	allowed relayurl.AllowedPolicy
}

// NewRouter builds a Router over store with the given limits/allow-list.
func NewRouter(store gossipstore.Store, limits Limits, allowed relayurl.AllowedPolicy) *Router {
	return &Router{store: store, limits: limits, allowed: allowed}
}

// hasNIP17Pattern: gift-wrap kind present, or a #p tag with no kind
// constraint at all, forces the NIP-17 relay set in.
func hasNIP17Pattern(f nostr.Filter) bool {
	_, hasP := f.Tags["p"]
	kindsEmpty := len(f.Kinds) == 0
	hasGiftWrap := false
	for _, k := range f.Kinds {
		if k == KindGiftWrap {
			hasGiftWrap = true
			break
		}
	}
	return hasGiftWrap || (hasP && kindsEmpty)
}

// BreakDown classifies f by its authors/#p shape and resolves the relay
// set for each matched key.
func (r *Router) BreakDown(ctx context.Context, f nostr.Filter) (BrokenDownFilters, error) {
	pTags, hasP := f.Tags["p"]

	switch {
	case len(f.Authors) > 0 && !hasP:
		return r.breakDownAuthors(ctx, f)
	case len(f.Authors) == 0 && hasP:
		return r.breakDownPTags(ctx, f, pTags)
	case len(f.Authors) > 0 && hasP:
		return r.breakDownBoth(ctx, f, pTags)
	default:
		return BrokenDownFilters{Kind: KindOther, Filter: f}, nil
	}
}

func (r *Router) breakDownAuthors(ctx context.Context, f nostr.Filter) (BrokenDownFilters, error) {
	nip17 := hasNIP17Pattern(f)
	groups := make(map[string]map[string]struct{}) // url -> set of authors

	for _, author := range f.Authors {
		rec, _, err := r.store.GetAuthor(ctx, author)
		if err != nil {
			return BrokenDownFilters{}, err
		}
		r.addSelection(groups, author, rec.Write, r.limits.Write)
		r.addSelection(groups, author, rec.Hints, r.limits.Hints)
		r.addSelection(groups, author, mostReceived(rec), r.limits.MostReceived)
		if nip17 {
			r.addSelection(groups, author, rec.PrivateMessage, r.limits.PrivateMessage)
		}
	}

	if len(groups) == 0 {
		return BrokenDownFilters{Kind: KindOrphan, Filter: f}, nil
	}

	out := make(map[string]nostr.Filter, len(groups))
	for url, authorSet := range groups {
		nf := cloneFilter(f)
		nf.Authors = sortedKeys(authorSet)
		out[url] = nf
	}
	return BrokenDownFilters{Kind: KindFilters, Filters: out}, nil
}

func (r *Router) breakDownPTags(ctx context.Context, f nostr.Filter, pTags []string) (BrokenDownFilters, error) {
	nip17 := hasNIP17Pattern(f)
	groups := make(map[string]map[string]struct{})

	for _, pk := range pTags {
		rec, _, err := r.store.GetAuthor(ctx, pk)
		if err != nil {
			return BrokenDownFilters{}, err
		}
		r.addSelection(groups, pk, rec.Read, r.limits.Read)
		r.addSelection(groups, pk, rec.Hints, r.limits.Hints)
		r.addSelection(groups, pk, mostReceived(rec), r.limits.MostReceived)
		if nip17 {
			r.addSelection(groups, pk, rec.PrivateMessage, r.limits.PrivateMessage)
		}
	}

	if len(groups) == 0 {
		return BrokenDownFilters{Kind: KindOrphan, Filter: f}, nil
	}

	out := make(map[string]nostr.Filter, len(groups))
	for url, pkSet := range groups {
		nf := cloneFilter(f)
		if nf.Tags == nil {
			nf.Tags = nostr.TagMap{}
		} else {
			nf.Tags = cloneTagMap(nf.Tags)
		}
		nf.Tags["p"] = sortedKeys(pkSet)
		out[url] = nf
	}
	return BrokenDownFilters{Kind: KindFilters, Filters: out}, nil
}

func (r *Router) breakDownBoth(ctx context.Context, f nostr.Filter, pTags []string) (BrokenDownFilters, error) {
	nip17 := hasNIP17Pattern(f)
	union := make(map[string]struct{})
	for _, a := range f.Authors {
		union[a] = struct{}{}
	}
	for _, p := range pTags {
		union[p] = struct{}{}
	}

	urls := make(map[string]struct{})
	for key := range union {
		rec, _, err := r.store.GetAuthor(ctx, key)
		if err != nil {
			return BrokenDownFilters{}, err
		}
		for _, sel := range limitSelections(rec.Read, r.limits.Read) {
			if relayurl.IsAllowed(sel.URL, r.allowed) {
				urls[sel.URL] = struct{}{}
			}
		}
		for _, sel := range limitSelections(rec.Write, r.limits.Write) {
			if relayurl.IsAllowed(sel.URL, r.allowed) {
				urls[sel.URL] = struct{}{}
			}
		}
		for _, sel := range limitSelections(rec.Hints, r.limits.Hints) {
			if relayurl.IsAllowed(sel.URL, r.allowed) {
				urls[sel.URL] = struct{}{}
			}
		}
		for _, sel := range limitSelections(mostReceived(rec), r.limits.MostReceived) {
			if relayurl.IsAllowed(sel.URL, r.allowed) {
				urls[sel.URL] = struct{}{}
			}
		}
		if nip17 {
			for _, sel := range limitSelections(rec.PrivateMessage, r.limits.PrivateMessage) {
				if relayurl.IsAllowed(sel.URL, r.allowed) {
					urls[sel.URL] = struct{}{}
				}
			}
		}
	}

	if len(urls) == 0 {
		return BrokenDownFilters{Kind: KindOrphan, Filter: f}, nil
	}

	out := make(map[string]nostr.Filter, len(urls))
	for url := range urls {
		out[url] = cloneFilter(f)
	}
	return BrokenDownFilters{Kind: KindFilters, Filters: out}, nil
}

// addSelection applies the allow-list and per-category limit to sels,
// folding each accepted relay into groups[url] with author added.
func (r *Router) addSelection(groups map[string]map[string]struct{}, author string, sels []gossipstore.RelaySelection, limit int) {
	for _, sel := range limitSelections(sels, limit) {
		if !relayurl.IsAllowed(sel.URL, r.allowed) {
			continue
		}
		set, ok := groups[sel.URL]
		if !ok {
			set = make(map[string]struct{})
			groups[sel.URL] = set
		}
		set[author] = struct{}{}
	}
}

// mostReceived returns the relays this author's events have actually been
// received from, counter-ranked by limitSelections. These counters are
// tracked separately from the NIP-65 lists, so an author with no published
// list at all can still be routed to where their traffic shows up.
func mostReceived(rec gossipstore.AuthorRecord) []gossipstore.RelaySelection {
	return rec.Observed
}

// limitSelections orders sels deterministically (descending observed
// count, ascending URL) and truncates to limit.
func limitSelections(sels []gossipstore.RelaySelection, limit int) []gossipstore.RelaySelection {
	if limit <= 0 || len(sels) == 0 {
		return nil
	}
	sorted := append([]gossipstore.RelaySelection(nil), sels...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Observed != sorted[j].Observed {
			return sorted[i].Observed > sorted[j].Observed
		}
		return sorted[i].URL < sorted[j].URL
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneFilter(f nostr.Filter) nostr.Filter {
	nf := f
	if f.IDs != nil {
		nf.IDs = append([]string(nil), f.IDs...)
	}
	if f.Authors != nil {
		nf.Authors = append([]string(nil), f.Authors...)
	}
	if f.Kinds != nil {
		nf.Kinds = append([]int(nil), f.Kinds...)
	}
	if f.Tags != nil {
		nf.Tags = cloneTagMap(f.Tags)
	}
	return nf
}

func cloneTagMap(t nostr.TagMap) nostr.TagMap {
	nt := make(nostr.TagMap, len(t))
	for k, v := range t {
		nt[k] = append([]string(nil), v...)
	}
	return nt
}
