// Package client is the user-facing facade: thin orchestration over the
// relay pool, the gossip router/updater, and a signer.Signer.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/errs"
	"github.com/nostrrelay/sdk/eventstore"
	"github.com/nostrrelay/sdk/gossip"
	"github.com/nostrrelay/sdk/gossipstore"
	"github.com/nostrrelay/sdk/internal/log"
	"github.com/nostrrelay/sdk/negentropy"
	"github.com/nostrrelay/sdk/pool"
	"github.com/nostrrelay/sdk/relayurl"
	"github.com/nostrrelay/sdk/signer"
)

const logTag = "client"

// GiftWrapKind is NIP-17's envelope kind; SendEvent routes events of this
// kind through the gossip router instead of broadcasting them.
const GiftWrapKind = gossip.KindGiftWrap

// Options configures a Client's gossip behavior.
type Options struct {
	GossipEnabled      bool
	GossipLimits       gossip.Limits
	GossipAllowed      relayurl.AllowedPolicy
	GossipFreshnessTTL time.Duration
	GossipFetchTimeout time.Duration
	// ListKinds are the event kinds the updater refreshes for freshness:
	// NIP-65 (10002) and, when NIP-17 is in play, the private-message
	// relay list (10050).
	ListKinds []int
}

func (o Options) withDefaults() Options {
	if len(o.ListKinds) == 0 {
		o.ListKinds = []int{gossip.ListKindNIP65Event, gossip.ListKindNIP17Event}
	}
	if o.GossipFreshnessTTL == 0 {
		o.GossipFreshnessTTL = time.Hour
	}
	if o.GossipFetchTimeout == 0 {
		o.GossipFetchTimeout = 5 * time.Second
	}
	if o.GossipLimits == (gossip.Limits{}) {
		o.GossipLimits = gossip.DefaultLimits()
	}
	return o
}

// EventBuilder is the unsigned event input to SignEventBuilder.
type EventBuilder struct {
	Kind      int
	Tags      nostr.Tags
	Content   string
	CreatedAt nostr.Timestamp // zero means "now"
}

// Client is the facade over pool.Pool, an optional gossip.Router +
// gossip.Updater, and a signer.Signer. It never talks to a relay without
// passing through the pool and never mutates relay state directly.
type Client struct {
	pool    *pool.Pool
	store   eventstore.Store
	gstore  gossipstore.Store
	signer  signer.Signer
	router  *gossip.Router
	updater *gossip.Updater
	opts    Options
}

// New builds a Client. gstore/opts.GossipEnabled both being set turns on
// gossip-routed send/fetch/stream/sync; gstore may be nil when gossip is
// disabled.
func New(p *pool.Pool, store eventstore.Store, sg signer.Signer, gstore gossipstore.Store, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{pool: p, store: store, gstore: gstore, signer: sg, opts: opts}

	if opts.GossipEnabled && gstore != nil {
		c.router = gossip.NewRouter(gstore, opts.GossipLimits, opts.GossipAllowed)
		deps := gossip.Deps{
			DiscoveryReadURLs: func(ctx context.Context) []string {
				return p.RelaysWithCap(pool.Discovery | pool.Read)
			},
			Reconcile: func(ctx context.Context, urls []string, filter nostr.Filter) (gossip.ReconcileOutcome, error) {
				out, err := p.Reconcile(ctx, urls, filter, negentropy.Options{})
				if err != nil {
					return gossip.ReconcileOutcome{}, err
				}
				return gossip.ReconcileOutcome{Failed: out.Failed}, nil
			},
			FetchFrom: func(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
				return c.fetchFromURLs(ctx, []string{url}, filter, timeout)
			},
			QueryLocal: func(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
				return store.Query(ctx, filter)
			},
		}
		c.updater = gossip.NewUpdater(gstore, gossip.NewSemaphore(), deps, opts.GossipFreshnessTTL, opts.GossipFetchTimeout)
		if p != nil {
			p.SetObserver(c.observeEvent)
		}
	}

	return c
}

// observeEvent feeds every received event into the gossip store: the
// observed-from counter for the author, any NIP-65/NIP-17 list payload,
// and relay hints carried in p-tags.
func (c *Client) observeEvent(relayURL string, evt *nostr.Event) {
	ctx := context.Background()
	if err := c.gstore.RecordObservation(ctx, evt.PubKey, relayURL); err != nil {
		log.Printf(logTag, "observe: record %s via %s: %v", evt.PubKey, relayURL, err)
		return
	}
	switch evt.Kind {
	case gossip.ListKindNIP65Event, gossip.ListKindNIP17Event:
		if err := gossip.IngestListEvent(ctx, c.gstore, evt); err != nil {
			log.Printf(logTag, "observe: ingest list %s: %v", evt.ID, err)
		}
	}
	for _, tag := range evt.Tags {
		if len(tag) < 3 || tag[0] != "p" || tag[2] == "" {
			continue
		}
		hinted, err := relayurl.Normalize(tag[2])
		if err != nil {
			continue
		}
		if err := gossip.IngestHint(ctx, c.gstore, tag[1], hinted); err != nil {
			log.Printf(logTag, "observe: hint for %s: %v", tag[1], err)
		}
	}
}

// KindClientAuthentication is the NIP-42 auth event kind.
const KindClientAuthentication = 22242

// AuthHandler builds a pool.Options.AuthHandler that answers NIP-42
// challenges by signing a kind-22242 auth event with sg.
func AuthHandler(sg signer.Signer) func(ctx context.Context, relayURL, challenge string) (*nostr.Event, error) {
	return func(ctx context.Context, relayURL, challenge string) (*nostr.Event, error) {
		evt := &nostr.Event{
			Kind:      KindClientAuthentication,
			CreatedAt: nostr.Now(),
			Tags: nostr.Tags{
				{"relay", relayURL},
				{"challenge", challenge},
			},
		}
		if err := sg.SignEvent(ctx, evt); err != nil {
			return nil, err
		}
		return evt, nil
	}
}

// Pool exposes the underlying pool for relay lifecycle management
// (AddRelay/RemoveRelay/Shutdown): the facade orchestrates but the pool
// still owns every relay.
func (c *Client) Pool() *pool.Pool { return c.pool }

// SignEventBuilder consults the signer to produce a signed event from b.
func (c *Client) SignEventBuilder(ctx context.Context, b EventBuilder) (*nostr.Event, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("client: %w: no signer configured", errs.ErrSigner)
	}
	createdAt := b.CreatedAt
	if createdAt == 0 {
		createdAt = nostr.Now()
	}
	evt := &nostr.Event{
		Kind:      b.Kind,
		Tags:      b.Tags,
		Content:   b.Content,
		CreatedAt: createdAt,
	}
	if err := c.signer.SignEvent(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// SendEvent broadcasts evt to every WRITE/GOSSIP relay, unless gossip is
// enabled and evt's kind implies author-relay targeting (currently just
// NIP-17 gift wraps), in which case it resolves the recipients' relays via
// the gossip router and sends only to those.
func (c *Client) SendEvent(ctx context.Context, evt *nostr.Event) (pool.SendEventOutput, error) {
	if c.router != nil && evt.Kind == GiftWrapKind {
		urls, err := c.recipientRelays(ctx, evt)
		if err != nil {
			return pool.SendEventOutput{}, err
		}
		if len(urls) == 0 {
			return pool.SendEventOutput{}, errs.ErrGossipEmpty
		}
		return c.pool.SendEventTo(ctx, urls, evt)
	}
	return c.pool.SendEvent(ctx, evt)
}

// recipientRelays resolves the best relays for evt's "p"-tagged recipients
// by routing a synthetic filter through the gossip router: the same
// authors-vs-#p pattern matching used for reads applies symmetrically to
// "where should this recipient's inbox be" for writes.
func (c *Client) recipientRelays(ctx context.Context, evt *nostr.Event) ([]string, error) {
	var recipients []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			recipients = append(recipients, tag[1])
		}
	}
	if len(recipients) == 0 {
		return nil, nil
	}
	if err := c.updater.EnsureFresh(ctx, recipients, c.opts.ListKinds); err != nil {
		log.Printf(logTag, "send: gossip freshness pass failed: %v", err)
	}

	synthetic := nostr.Filter{Kinds: []int{GiftWrapKind}, Tags: nostr.TagMap{"p": recipients}}
	bd, err := c.router.BreakDown(ctx, synthetic)
	if err != nil {
		return nil, err
	}
	if bd.Kind != gossip.KindFilters {
		return nil, nil
	}
	urls := make([]string, 0, len(bd.Filters))
	for url := range bd.Filters {
		urls = append(urls, url)
	}
	return urls, nil
}

// FetchEvents collects a deduplicated set of events matching every filter
// within timeout, routing each filter through the gossip updater+router
// when gossip is enabled, else broadcasting to every READ relay.
func (c *Client) FetchEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, teardown, err := c.StreamEvents(fetchCtx, filters, pool.ExitPolicy{Kind: pool.ExitOnEOSE})
	if err != nil {
		return nil, err
	}
	defer teardown()

	seen := make(map[string]struct{})
	var events []*nostr.Event
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return events, nil
			}
			if item.Err != nil || item.Event == nil {
				continue
			}
			if _, dup := seen[item.Event.ID]; dup {
				continue
			}
			seen[item.Event.ID] = struct{}{}
			events = append(events, item.Event)
		case <-fetchCtx.Done():
			return events, nil
		}
	}
}

// StreamEvents is FetchEvents' streaming counterpart: it subscribes every
// filter (gossip-routed when enabled) and returns a channel of
// deduplicated deliveries until exit fires.
func (c *Client) StreamEvents(ctx context.Context, filters []nostr.Filter, exit pool.ExitPolicy) (<-chan pool.StreamItem, func(), error) {
	if c.router == nil || c.updater == nil {
		return c.pool.StreamEvents(ctx, nil, filters, exit)
	}

	out := make(chan pool.StreamItem, 64)
	var teardowns []func()
	var wg sync.WaitGroup
	streamCtx, cancel := context.WithCancel(ctx)
	teardown := func() {
		cancel()
		for _, fn := range teardowns {
			fn()
		}
		wg.Wait()
	}

	gotAny := false
	for _, f := range filters {
		if pubkeys := extractPubkeys(f); len(pubkeys) > 0 {
			if err := c.updater.EnsureFresh(streamCtx, pubkeys, c.opts.ListKinds); err != nil {
				log.Printf(logTag, "stream: gossip freshness pass failed: %v", err)
			}
		}

		bd, err := c.router.BreakDown(streamCtx, f)
		if err != nil {
			teardown()
			return nil, nil, err
		}

		switch bd.Kind {
		case gossip.KindFilters:
			sub, td, err := c.pool.StreamDistributed(streamCtx, bd.Filters, exit)
			if err != nil {
				teardown()
				return nil, nil, err
			}
			teardowns = append(teardowns, td)
			wg.Add(1)
			go func() { defer wg.Done(); forward(streamCtx, sub, out) }()
			gotAny = true

		case gossip.KindOther:
			sub, td, err := c.pool.StreamEvents(streamCtx, nil, []nostr.Filter{f}, exit)
			if err != nil {
				teardown()
				return nil, nil, err
			}
			teardowns = append(teardowns, td)
			wg.Add(1)
			go func() { defer wg.Done(); forward(streamCtx, sub, out) }()
			gotAny = true

		case gossip.KindOrphan:
			log.Printf(logTag, "stream: filter produced no relays (orphan), skipping")
		}
	}

	if !gotAny {
		teardown()
		return nil, nil, errs.ErrGossipEmpty
	}

	go func() { wg.Wait(); close(out) }()

	return out, teardown, nil
}

// Sync runs negentropy reconciliation against filter's matching relays:
// gossip-resolved relays when gossip is enabled, else every READ/GOSSIP
// relay.
func (c *Client) Sync(ctx context.Context, filter nostr.Filter, opts negentropy.Options) (pool.ReconcileOutput, error) {
	urls := c.pool.RelaysWithCap(pool.Read | pool.Gossip)
	if c.router != nil {
		if pubkeys := extractPubkeys(filter); len(pubkeys) > 0 {
			if err := c.updater.EnsureFresh(ctx, pubkeys, c.opts.ListKinds); err != nil {
				log.Printf(logTag, "sync: gossip freshness pass failed: %v", err)
			}
			bd, err := c.router.BreakDown(ctx, filter)
			if err == nil && bd.Kind == gossip.KindFilters {
				urls = urls[:0]
				for url := range bd.Filters {
					urls = append(urls, url)
				}
			}
		}
	}
	if len(urls) == 0 {
		return pool.ReconcileOutput{}, errs.ErrNoRelays
	}
	return c.pool.Reconcile(ctx, urls, filter, opts)
}

// Shutdown tears down the pool (and therefore every relay connection).
func (c *Client) Shutdown() { c.pool.Shutdown() }

func (c *Client) fetchFromURLs(ctx context.Context, urls []string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stream, teardown, err := c.pool.StreamEvents(fetchCtx, urls, []nostr.Filter{filter}, pool.ExitPolicy{Kind: pool.ExitOnEOSE})
	if err != nil {
		return nil, err
	}
	defer teardown()

	var events []*nostr.Event
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return events, nil
			}
			if item.Event != nil {
				events = append(events, item.Event)
			}
		case <-fetchCtx.Done():
			return events, nil
		}
	}
}

// forward copies in into the shared out channel until in closes or ctx is
// done, used to merge the per-filter substreams StreamEvents opens (one per
// gossip breakdown, or one per broadcast filter) into a single deduplicated
// caller-facing stream.
func forward(ctx context.Context, in <-chan pool.StreamItem, out chan<- pool.StreamItem) {
	for {
		select {
		case item, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func extractPubkeys(f nostr.Filter) []string {
	set := make(map[string]struct{})
	for _, a := range f.Authors {
		set[a] = struct{}{}
	}
	if p, ok := f.Tags["p"]; ok {
		for _, pk := range p {
			set[pk] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

