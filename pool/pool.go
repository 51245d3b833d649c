// Package pool implements the relay pool: the registry of relay.Conn
// connections keyed by canonical URL, the notification bus, dedup, and the
// write-to-many/read-from-many primitives the client facade is built on.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nostrrelay/sdk/bus"
	"github.com/nostrrelay/sdk/errs"
	"github.com/nostrrelay/sdk/eventstore"
	"github.com/nostrrelay/sdk/internal/log"
	"github.com/nostrrelay/sdk/negentropy"
	"github.com/nostrrelay/sdk/relay"
	"github.com/nostrrelay/sdk/relayurl"
	"github.com/nostrrelay/sdk/subscription"
)

const logTag = "pool"

// Options configures a Pool.
type Options struct {
	RelayOptions      relay.Options
	BusCapacity       int
	DedupCacheSize    int
	FanOutConcurrency int
	SendTimeout       time.Duration

	// AuthHandler, when set, answers NIP-42 challenges: it returns a
	// signed kind-22242 event for the given relay and challenge string.
	// Leaving it nil ignores AUTH frames.
	AuthHandler func(ctx context.Context, relayURL, challenge string) (*nostr.Event, error)
}

func (o Options) withDefaults() Options {
	if o.BusCapacity == 0 {
		o.BusCapacity = 4096
	}
	if o.DedupCacheSize == 0 {
		o.DedupCacheSize = 100_000
	}
	if o.FanOutConcurrency == 0 {
		o.FanOutConcurrency = 32
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 10 * time.Second
	}
	return o
}

// subRecord is the pool-level bookkeeping for one subscribe call, spanning
// however many relays it was distributed to.
type subRecord struct {
	ID      string
	Filters []nostr.Filter
	Opts    subscription.AutoClose
	urls    map[string]struct{}
}

// SendEventOutput is the result of SendEvent/SendEventTo: every targeted
// relay is accounted for in exactly one of the two sets.
type SendEventOutput struct {
	Success map[string]struct{}
	Failed  map[string]error
}

// StreamItem is one delivery from StreamEvents: either a deduplicated
// event from relay, or a terminal error for that relay.
type StreamItem struct {
	Relay string
	Event *nostr.Event
	Err   error
}

// ExitKind selects when StreamEvents considers itself done.
type ExitKind int

const (
	ExitOnEOSE ExitKind = iota
	WaitForEventsAfterEOSE
	WaitDurationAfterEOSE
	NeverExit
)

// ExitPolicy configures StreamEvents' termination condition.
type ExitPolicy struct {
	Kind ExitKind
	N    int           // used when Kind == WaitForEventsAfterEOSE
	Wait time.Duration // used when Kind == WaitDurationAfterEOSE
}

// Pool owns every registered relay.Conn, the shared event store, the
// notification bus and the dedup cache.
type Pool struct {
	opts  Options
	store eventstore.Store
	neg   *negentropy.Engine

	relays *xsync.MapOf[string, *entry]

	bus   *bus.Bus
	dedup *dedupCache

	fanout chan struct{}

	subMu sync.Mutex
	subs  map[string]*subRecord

	obsMu    sync.RWMutex
	observer func(relayURL string, evt *nostr.Event)

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a Pool backed by store, optionally driving negentropy
// reconciliation through neg (nil disables Reconcile).
func New(store eventstore.Store, neg *negentropy.Engine, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		opts:     opts,
		store:    store,
		neg:      neg,
		relays:   xsync.NewMapOf[string, *entry](),
		bus:      bus.New(opts.BusCapacity),
		dedup:    newDedupCache(opts.DedupCacheSize),
		fanout:   make(chan struct{}, opts.FanOutConcurrency),
		subs:     make(map[string]*subRecord),
		shutdown: make(chan struct{}),
	}
	return p
}

// AddRelay registers url with the given capability bits and starts its
// connection loop in a new goroutine. With opts.WaitForConnect it blocks
// until the first handshake succeeds or fails; otherwise it returns
// immediately with the loop engaged. Re-adding an already-registered
// relay just ORs in the new capability bits.
func (p *Pool) AddRelay(ctx context.Context, url string, opts AddOptions) error {
	norm, err := relayurl.Normalize(url)
	if err != nil {
		return err
	}

	if existing, ok := p.relays.Load(norm); ok {
		existing.addCaps(opts.Caps)
		if opts.WaitForConnect {
			return existing.conn.WaitConnected(ctx)
		}
		return nil
	}

	conn := relay.New(norm, p.opts.RelayOptions, p.onEvent(norm))
	conn.OnEOSE(func(subID string) { p.bus.PublishEOSE(norm, subID) })
	conn.OnFrame(func(raw []byte) { p.bus.PublishMessage(norm, raw) })
	if p.opts.AuthHandler != nil {
		conn.OnAuth(func(challenge string) { p.answerAuth(conn, norm, challenge) })
	}
	e := &entry{conn: conn}
	e.addCaps(opts.Caps)
	p.relays.Store(norm, e)

	go conn.Run(ctx)
	log.Printf(logTag, "added relay %s (caps=%d)", norm, opts.Caps)
	if opts.WaitForConnect {
		return conn.WaitConnected(ctx)
	}
	return nil
}

// RemoveRelay drops READ/WRITE from url, but keeps the connection alive
// (parked via relay.Conn.Sleep) if GOSSIP or DISCOVERY is still set. Use
// ForceRemoveRelay to tear the connection down regardless.
func (p *Pool) RemoveRelay(url string) error {
	norm, err := relayurl.Normalize(url)
	if err != nil {
		return err
	}
	e, ok := p.relays.Load(norm)
	if !ok {
		return errs.ErrNotFound
	}

	e.clearCaps(Read | Write)
	if e.capBits().Has(Gossip | Discovery) {
		log.Printf(logTag, "remove_relay(%s): retained for gossip/discovery, parking connection", norm)
		e.conn.Sleep()
		return nil
	}
	return p.ForceRemoveRelay(norm)
}

// ForceRemoveRelay tears down url's connection unconditionally and drops
// it from the registry.
func (p *Pool) ForceRemoveRelay(url string) error {
	norm, err := relayurl.Normalize(url)
	if err != nil {
		return err
	}
	e, ok := p.relays.LoadAndDelete(norm)
	if !ok {
		return errs.ErrNotFound
	}
	return e.conn.Close()
}

// RelaysWithCap enumerates the URLs of every registered relay whose
// capability bits intersect bits.
func (p *Pool) RelaysWithCap(bits Cap) []string {
	var out []string
	p.relays.Range(func(url string, e *entry) bool {
		if e.capBits().Has(bits) {
			out = append(out, url)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func (p *Pool) conn(url string) (*relay.Conn, bool) {
	e, ok := p.relays.Load(url)
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connect wakes every parked relay so their reconnect loops resume.
// Relays added with AddRelay connect on registration, so this is only
// needed after Disconnect.
func (p *Pool) Connect() {
	p.relays.Range(func(url string, e *entry) bool {
		e.conn.Wake()
		return true
	})
}

// Disconnect parks every relay: sockets drop and reconnect loops idle
// until Connect is called. Unlike Shutdown this is reversible.
func (p *Pool) Disconnect() {
	p.relays.Range(func(url string, e *entry) bool {
		e.conn.Sleep()
		return true
	})
}

// Shutdown is absorbing: it closes every connection and closes the bus.
// Sends and waits already blocked on a connection return errs.ErrShutdown.
// Later Pool calls are not checked against shutdown; they reach the
// terminated connections, where Conn.Send, for example, fails with
// errs.ErrNotConnected.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
		p.relays.Range(func(url string, e *entry) bool {
			_ = e.conn.Close()
			return true
		})
		p.bus.Shutdown()
		log.Printf(logTag, "shutdown complete")
	})
}

// Notifications subscribes to the bus.
func (p *Pool) Notifications() *bus.Subscription { return p.bus.Subscribe() }

// SetObserver installs a callback invoked for every event received from
// any relay, before dedup. The client uses this to feed the gossip
// store's observed-from counters and list ingestion; duplicates across
// relays are deliberately included, since "which relay carries this
// author" is exactly what the counters measure.
func (p *Pool) SetObserver(fn func(relayURL string, evt *nostr.Event)) {
	p.obsMu.Lock()
	p.observer = fn
	p.obsMu.Unlock()
}

// onEvent is installed on every relay.Conn; it dedupes against the pool's
// sliding id cache and the local store, opportunistically persists new
// events, and republishes them on the bus with their subscription id.
// Events already known to the local store are not re-emitted.
func (p *Pool) onEvent(relayURL string) relay.EventHandler {
	return func(subID string, evt *nostr.Event) {
		p.obsMu.RLock()
		observer := p.observer
		p.obsMu.RUnlock()
		if observer != nil {
			observer(relayURL, evt)
		}

		if !p.dedup.seen(evt.ID) {
			return
		}
		status, err := p.store.CheckID(context.Background(), evt.ID)
		if err == nil && status == eventstore.IDHave {
			return
		}
		if _, err := p.store.SaveEvent(context.Background(), evt); err != nil {
			log.Printf(logTag, "%s: save event %s failed: %v", relayURL, evt.ID, err)
		}
		p.bus.PublishEvent(relayURL, subID, evt)
	}
}

// answerAuth responds to a NIP-42 challenge with a signed auth event from
// the configured handler and reports the outcome on the bus.
func (p *Pool) answerAuth(conn *relay.Conn, relayURL, challenge string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
	defer cancel()

	evt, err := p.opts.AuthHandler(ctx, relayURL, challenge)
	if err != nil {
		p.bus.PublishAuthFailed(relayURL, err.Error())
		return
	}
	if err := conn.Authenticate(ctx, evt); err != nil {
		p.bus.PublishAuthFailed(relayURL, err.Error())
		return
	}
	p.bus.PublishAuthenticated(relayURL)
}

// SendEvent writes evt to every relay with WRITE or GOSSIP capability,
// concurrently, bounded by the pool's fan-out limit, and reports which
// relays accepted it.
func (p *Pool) SendEvent(ctx context.Context, evt *nostr.Event) (SendEventOutput, error) {
	return p.SendEventTo(ctx, p.RelaysWithCap(Write|Gossip), evt)
}

// SendEventTo is SendEvent constrained to urls, which must already be
// registered.
func (p *Pool) SendEventTo(ctx context.Context, urls []string, evt *nostr.Event) (SendEventOutput, error) {
	out := SendEventOutput{Success: make(map[string]struct{}), Failed: make(map[string]error)}
	if len(urls) == 0 {
		return out, errs.ErrNoRelays
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range urls {
		conn, ok := p.conn(url)
		if !ok {
			mu.Lock()
			out.Failed[url] = errs.ErrNotFound
			mu.Unlock()
			continue
		}

		wg.Add(1)
		select {
		case p.fanout <- struct{}{}:
		case <-sendCtx.Done():
			wg.Done()
			mu.Lock()
			out.Failed[url] = errs.ErrTimeout
			mu.Unlock()
			continue
		}
		go func(url string, conn *relay.Conn) {
			defer wg.Done()
			defer func() { <-p.fanout }()
			err := conn.Send(sendCtx, evt)
			mu.Lock()
			if err != nil {
				out.Failed[url] = err
			} else {
				out.Success[url] = struct{}{}
			}
			mu.Unlock()
		}(url, conn)
	}
	wg.Wait()
	return out, nil
}

// Subscribe distributes filters under a fresh subscription id to every
// relay with READ or GOSSIP capability.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter, opts subscription.AutoClose) (string, error) {
	id := newSubID()
	return id, p.SubscribeWithID(ctx, id, filters, opts)
}

// SubscribeWithID is Subscribe with a caller-chosen id.
func (p *Pool) SubscribeWithID(ctx context.Context, id string, filters []nostr.Filter, opts subscription.AutoClose) error {
	return p.SubscribeTo(ctx, p.RelaysWithCap(Read|Gossip), id, filters, opts)
}

// SubscribeTo distributes filters under id to exactly urls.
func (p *Pool) SubscribeTo(ctx context.Context, urls []string, id string, filters []nostr.Filter, opts subscription.AutoClose) error {
	if len(urls) == 0 {
		return errs.ErrNoRelays
	}

	p.subMu.Lock()
	rec, ok := p.subs[id]
	if !ok {
		rec = &subRecord{ID: id, urls: make(map[string]struct{})}
		p.subs[id] = rec
	}
	rec.Filters = filters
	rec.Opts = opts
	p.subMu.Unlock()

	var firstErr error
	for _, url := range urls {
		conn, ok := p.conn(url)
		if !ok {
			continue
		}
		if err := conn.Subscribe(ctx, id, filters, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.subMu.Lock()
		rec.urls[url] = struct{}{}
		p.subMu.Unlock()
	}
	return firstErr
}

// SubscribeDistributed is SubscribeTo for the gossip-routed case where
// each relay gets its own filter (e.g. a narrowed authors list from
// gossip.BreakDown), rather than one filter set broadcast identically
// everywhere.
func (p *Pool) SubscribeDistributed(ctx context.Context, id string, filterByURL map[string]nostr.Filter, opts subscription.AutoClose) error {
	if len(filterByURL) == 0 {
		return errs.ErrNoRelays
	}

	all := make([]nostr.Filter, 0, len(filterByURL))
	p.subMu.Lock()
	rec, ok := p.subs[id]
	if !ok {
		rec = &subRecord{ID: id, urls: make(map[string]struct{})}
		p.subs[id] = rec
	}
	for _, f := range filterByURL {
		all = append(all, f)
	}
	rec.Filters = all
	rec.Opts = opts
	p.subMu.Unlock()

	var firstErr error
	for url, f := range filterByURL {
		conn, ok := p.conn(url)
		if !ok {
			continue
		}
		if err := conn.Subscribe(ctx, id, []nostr.Filter{f}, opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.subMu.Lock()
		rec.urls[url] = struct{}{}
		p.subMu.Unlock()
	}
	return firstErr
}

// Unsubscribe sends CLOSE to every relay currently holding id.
func (p *Pool) Unsubscribe(ctx context.Context, id string) error {
	p.subMu.Lock()
	rec, ok := p.subs[id]
	delete(p.subs, id)
	p.subMu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	for url := range rec.urls {
		conn, ok := p.conn(url)
		if !ok {
			continue
		}
		if err := conn.Unsubscribe(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnsubscribeAll closes every tracked subscription.
func (p *Pool) UnsubscribeAll(ctx context.Context) error {
	p.subMu.Lock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.subMu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.Unsubscribe(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscriptions returns every currently-tracked subscription's filters.
func (p *Pool) Subscriptions() map[string][]nostr.Filter {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	out := make(map[string][]nostr.Filter, len(p.subs))
	for id, rec := range p.subs {
		out[id] = rec.Filters
	}
	return out
}

// Subscription returns one tracked subscription's filters, if any.
func (p *Pool) Subscription(id string) ([]nostr.Filter, bool) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	rec, ok := p.subs[id]
	if !ok {
		return nil, false
	}
	return rec.Filters, true
}

// SaveSubscriptionFilters updates the persisted filter set for an
// already-running subscription, without re-sending REQ (used after the
// gossip router recomputes per-relay filters for the same logical
// subscription).
func (p *Pool) SaveSubscriptionFilters(id string, filters []nostr.Filter) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if rec, ok := p.subs[id]; ok {
		rec.Filters = filters
	}
}

// StreamEvents subscribes filters to targets (or every READ/GOSSIP relay
// if targets is empty) and streams deduplicated events until exit fires.
// The returned cancel function must be called to tear the subscription
// down.
func (p *Pool) StreamEvents(ctx context.Context, targets []string, filters []nostr.Filter, exit ExitPolicy) (<-chan StreamItem, func(), error) {
	if len(targets) == 0 {
		targets = p.RelaysWithCap(Read | Gossip)
	}
	if len(targets) == 0 {
		return nil, nil, errs.ErrNoRelays
	}

	id := newSubID()
	if err := p.SubscribeTo(ctx, targets, id, filters, autoCloseFor(exit)); err != nil {
		return nil, nil, err
	}

	return p.streamSub(ctx, id, len(targets), exit)
}

// StreamDistributed is StreamEvents for the gossip-routed case where each
// relay gets its own narrowed filter, rather than one filter set broadcast
// identically everywhere. Used by package client when gossip is enabled.
func (p *Pool) StreamDistributed(ctx context.Context, filterByURL map[string]nostr.Filter, exit ExitPolicy) (<-chan StreamItem, func(), error) {
	if len(filterByURL) == 0 {
		return nil, nil, errs.ErrNoRelays
	}

	id := newSubID()
	subOpts := autoCloseFor(exit)
	if err := p.SubscribeDistributed(ctx, id, filterByURL, subOpts); err != nil {
		return nil, nil, err
	}

	return p.streamSub(ctx, id, len(filterByURL), exit)
}

func autoCloseFor(exit ExitPolicy) subscription.AutoClose {
	switch exit.Kind {
	case ExitOnEOSE:
		return subscription.AutoClose{Mode: subscription.ExitOnEOSE}
	case WaitDurationAfterEOSE:
		return subscription.AutoClose{Mode: subscription.WaitAfterEOSE, Wait: exit.Wait}
	default:
		return subscription.AutoClose{Mode: subscription.Never}
	}
}

// streamSub is the shared consumption loop behind StreamEvents and
// StreamDistributed: it bridges the pool bus into a StreamItem channel for
// subscription id, tracking EOSE across exactly wantEOSE relays before
// honoring exit.
func (p *Pool) streamSub(ctx context.Context, id string, wantEOSE int, exit ExitPolicy) (<-chan StreamItem, func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	sub := p.bus.Subscribe()
	out := make(chan StreamItem, 64)

	teardown := func() {
		cancel()
		sub.Unsubscribe()
		_ = p.Unsubscribe(context.Background(), id)
	}

	go func() {
		defer close(out)
		eoseRelays := make(map[string]struct{})
		eventsSinceEOSE := 0
		allEOSE := false
		var waitTimer <-chan time.Time

		for {
			select {
			case <-streamCtx.Done():
				return

			case n, ok := <-sub.C():
				if !ok {
					return
				}
				switch n.Kind {
				case bus.KindEvent:
					if n.SubscriptionID != id {
						continue
					}
					select {
					case out <- StreamItem{Relay: n.Relay, Event: n.Event}:
					case <-streamCtx.Done():
						return
					}
					if allEOSE {
						eventsSinceEOSE++
						if exit.Kind == WaitForEventsAfterEOSE && eventsSinceEOSE >= exit.N {
							return
						}
					}

				case bus.KindEOSE:
					if n.SubscriptionID != id {
						continue
					}
					eoseRelays[n.Relay] = struct{}{}
					if len(eoseRelays) < wantEOSE {
						continue
					}
					allEOSE = true
					switch exit.Kind {
					case ExitOnEOSE:
						return
					case WaitDurationAfterEOSE:
						if waitTimer == nil {
							waitTimer = time.After(exit.Wait)
						}
					}

				case bus.KindShutdown:
					select {
					case out <- StreamItem{Err: errs.ErrShutdown}:
					default:
					}
					return
				}

			case <-waitTimer:
				return
			}
		}
	}()

	return out, teardown, nil
}

// FetchEvents is a convenience wrapper over StreamEvents that collects a
// de-duplicated set of events until EOSE or timeout.
func (p *Pool) FetchEvents(ctx context.Context, filters []nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, teardown, err := p.StreamEvents(fetchCtx, nil, filters, ExitPolicy{Kind: ExitOnEOSE})
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
			if item.Err != nil {
				continue
			}
			if item.Event == nil {
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

// ReconcileOutput is Reconcile's per-relay outcome, feeding
// gossip.ReconcileOutcome.
type ReconcileOutput struct {
	Results map[string]negentropy.Result
	Failed  map[string]error
}

// Reconcile runs negentropy set-reconciliation against every relay in
// urls concurrently, delegating to package negentropy.
func (p *Pool) Reconcile(ctx context.Context, urls []string, filter nostr.Filter, opts negentropy.Options) (ReconcileOutput, error) {
	if p.neg == nil {
		return ReconcileOutput{}, errs.ErrUnsupported
	}
	out := ReconcileOutput{Results: make(map[string]negentropy.Result), Failed: make(map[string]error)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, url := range urls {
		conn, ok := p.conn(url)
		if !ok {
			mu.Lock()
			out.Failed[url] = errs.ErrNotFound
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(url string, conn *relay.Conn) {
			defer wg.Done()
			res, err := p.neg.Reconcile(ctx, conn, filter, opts)
			mu.Lock()
			if err != nil {
				out.Failed[url] = err
			} else {
				out.Results[url] = res
			}
			mu.Unlock()
		}(url, conn)
	}
	wg.Wait()
	return out, nil
}

func newSubID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("sub-%s", hex.EncodeToString(b[:]))
}
