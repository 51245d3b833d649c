// Package relay implements the per-relay connection state machine: dial,
// reconnect with backoff, a single writer goroutine owning the socket,
// pending-ACK tracking for EVENT/OK round trips, ping liveness, and flood
// control.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/errs"
	"github.com/nostrrelay/sdk/internal/log"
	"github.com/nostrrelay/sdk/subscription"
)

const logTag = "relay"

// Options configure a Conn. Zero values fall back to conservative
// defaults; config.RelayPolicy maps onto these.
type Options struct {
	ConnectTimeout   time.Duration
	PingInterval     time.Duration
	MaxMissedPings   int
	SendQueueSize    int
	RateLimitPerMin  int
	MaxSubscriptions int
	Backoff          Backoff
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxMissedPings == 0 {
		o.MaxMissedPings = 3
	}
	if o.SendQueueSize == 0 {
		o.SendQueueSize = 256
	}
	if o.RateLimitPerMin == 0 {
		o.RateLimitPerMin = 240
	}
	if o.MaxSubscriptions == 0 {
		o.MaxSubscriptions = 20
	}
	if len(o.Backoff.StepsMs) == 0 {
		o.Backoff.StepsMs = []int{500, 1500, 5000, 15000}
	}
	return o
}

// EventHandler is invoked for every EVENT received on any subscription.
type EventHandler func(subID string, evt *nostr.Event)

// Conn is one managed websocket connection to a single relay.
type Conn struct {
	URL  string
	opts Options

	status statusBox

	mu       sync.Mutex
	ws       *websocket.Conn
	attempt  int
	pending  map[string]chan okResult // event id -> OK waiter
	negChan  map[string]chan NegMessage // neg sub id -> waiter (NEG-MSG/NEG-ERR)
	waiters  []chan error             // WaitConnected callers

	sendCh chan []byte
	subs   *subscription.Registry
	limiter *RateLimiter

	onEvent EventHandler
	onAuth  func(challenge string)
	onEOSE  func(subID string)
	onFrame func(raw []byte)

	shutdown chan struct{}
	closed   bool
}

type okResult struct {
	accepted bool
	message  string
}

// NegMessage is one NEG-MSG/NEG-ERR delivery for a negentropy subscription,
// consumed by package negentropy through Conn.OpenNeg.
type NegMessage struct {
	Msg string
	Err error
}

// New constructs a Conn for url. The connection does not dial until Run is
// called.
func New(url string, opts Options, onEvent EventHandler) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		URL:      url,
		opts:     opts,
		pending:  make(map[string]chan okResult),
		negChan:  make(map[string]chan NegMessage),
		sendCh:   make(chan []byte, opts.SendQueueSize),
		subs:     subscription.NewRegistry(),
		limiter:  NewRateLimiter(opts.RateLimitPerMin),
		onEvent:  onEvent,
		shutdown: make(chan struct{}),
	}
	c.subs.SetMax(opts.MaxSubscriptions)
	c.status.store(Initialized)
	return c
}

// Status returns the connection's current lifecycle state.
func (c *Conn) Status() Status { return c.status.load() }

// Subscriptions exposes the registry so the pool/client can replay
// non-auto-closing subscriptions after a reconnect.
func (c *Conn) Subscriptions() *subscription.Registry { return c.subs }

// OnAuth registers a callback invoked when the relay sends an AUTH
// challenge (NIP-42). The pool's callback builds a signed kind-22242 event
// and answers through Authenticate.
func (c *Conn) OnAuth(fn func(challenge string)) { c.onAuth = fn }

// OnEOSE registers a callback invoked whenever the relay signals
// end-of-stored-events for a subscription, after the registry's own
// auto-close bookkeeping runs.
func (c *Conn) OnEOSE(fn func(subID string)) { c.onEOSE = fn }

// OnFrame registers a callback invoked with every well-formed inbound
// frame, before dispatch. The pool uses this to publish raw Message
// notifications, which flow even when the contained event is a dedup hit.
func (c *Conn) OnFrame(fn func(raw []byte)) { c.onFrame = fn }

// Run drives the connect/reconnect loop until ctx is done or Close is
// called. It blocks, so callers run it in its own goroutine per relay.
func (c *Conn) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.terminate()
			return
		case <-c.shutdown:
			return
		default:
		}

		if c.status.load() == Sleeping || c.status.load() == Banned {
			select {
			case <-ctx.Done():
				c.terminate()
				return
			case <-c.shutdown:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		c.status.store(Connecting)
		err := c.connectAndServe(ctx)
		if err != nil {
			// Anyone blocked in WaitConnected learns the attempt's fate:
			// nil was already delivered on a successful handshake, so
			// remaining waiters joined before this attempt failed.
			c.notifyWaiters(err)
		}
		if c.status.load() == Terminated {
			return
		}
		if err != nil {
			log.Printf(logTag, "%s: connection ended: %v", c.URL, err)
		}

		select {
		case <-ctx.Done():
			c.terminate()
			return
		case <-c.shutdown:
			return
		default:
		}

		if c.status.load() == Sleeping {
			// Sleep closed the socket; idle at the top of the loop rather
			// than scheduling a reconnect.
			continue
		}

		c.status.store(Disconnected)
		delay := c.opts.Backoff.Duration(c.attempt)
		c.attempt++
		log.Printf(logTag, "%s: reconnecting in %s", c.URL, delay)
		select {
		case <-ctx.Done():
			c.terminate()
			return
		case <-c.shutdown:
			return
		case <-time.After(delay):
		}
	}
}

func (c *Conn) connectAndServe(parent context.Context) error {
	dialCtx, cancel := context.WithTimeout(parent, c.opts.ConnectTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.URL, err)
	}
	ws.SetReadLimit(10 << 20)

	c.mu.Lock()
	c.ws = ws
	c.attempt = 0
	c.mu.Unlock()

	c.status.store(Connected)
	c.notifyWaiters(nil)
	log.Printf(logTag, "%s: connected", c.URL)

	ctx, cancelAll := context.WithCancel(parent)
	defer cancelAll()

	c.replaySubscriptions(ctx)

	errCh := make(chan error, 3)
	go c.writeLoop(ctx, ws, errCh)
	go c.readLoop(ctx, ws, errCh)
	go c.pingLoop(ctx, ws, errCh)

	err = <-errCh
	cancelAll()
	ws.Close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Conn) notifyWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

// WaitConnected blocks until the connection reaches Connected, the current
// connect attempt fails, ctx expires, or the connection is closed. A nil
// return means Connected.
func (c *Conn) WaitConnected(ctx context.Context) error {
	switch c.status.load() {
	case Connected:
		return nil
	case Terminated:
		return errs.ErrShutdown
	}

	w := make(chan error, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	// The handshake may have completed between the status check and the
	// waiter registration; the buffered channel absorbs any late signal.
	if c.status.load() == Connected {
		return nil
	}

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return errs.ErrTimeout
	case <-c.shutdown:
		return errs.ErrShutdown
	}
}

func (c *Conn) replaySubscriptions(ctx context.Context) {
	for _, entry := range c.subs.NonAutoClosing() {
		data, err := encodeReq(entry.ID, entry.Filters)
		if err != nil {
			continue
		}
		select {
		case c.sendCh <- data:
		case <-ctx.Done():
			return
		default:
			log.Printf(logTag, "%s: send queue full, dropping replay of %s", c.URL, entry.ID)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case data := <-c.sendCh:
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				errCh <- fmt.Errorf("relay: write: %w", err)
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			errCh <- fmt.Errorf("relay: read: %w", err)
			return
		}
		c.handleMessage(data)
	}
}

// pingLoop pings the relay every PingInterval; MaxMissedPings consecutive
// missed pongs fail the connection into the reconnect loop via errCh.
func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.subs.Sweep(time.Now())
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			log.Printf(logTag, "%s: missed pong %d/%d", c.URL, missed, c.opts.MaxMissedPings)
			if missed >= c.opts.MaxMissedPings {
				errCh <- fmt.Errorf("relay: %d consecutive missed pongs: %w", missed, err)
				return
			}
		}
	}
}

func (c *Conn) handleMessage(data []byte) {
	msg, err := parseServerMessage(data)
	if err != nil {
		log.Printf(logTag, "%s: %v", c.URL, err)
		return
	}
	if c.onFrame != nil {
		c.onFrame(data)
	}
	switch msg.Kind {
	case "EVENT":
		c.subs.RecordEvent(msg.SubID)
		if c.onEvent != nil {
			c.onEvent(msg.SubID, msg.Event)
		}
	case "EOSE":
		c.subs.MarkEOSE(msg.SubID)
		if c.onEOSE != nil {
			c.onEOSE(msg.SubID)
		}
	case "CLOSED":
		c.subs.Remove(msg.SubID)
	case "OK":
		c.mu.Lock()
		waiter, ok := c.pending[msg.OKEventID]
		if ok {
			delete(c.pending, msg.OKEventID)
		}
		c.mu.Unlock()
		if !ok {
			log.Printf(logTag, "%s: unmatched OK for %s (accepted=%v, %q)",
				c.URL, msg.OKEventID, msg.OKAccepted, msg.OKMessage)
			return
		}
		select {
		case waiter <- okResult{accepted: msg.OKAccepted, message: msg.OKMessage}:
		default:
		}
	case "NOTICE":
		log.Printf(logTag, "%s: NOTICE %s", c.URL, msg.Notice)
	case "AUTH":
		if c.onAuth != nil {
			c.onAuth(msg.Notice)
		}
	case "NEG-MSG":
		c.deliverNeg(msg.SubID, NegMessage{Msg: msg.NegMsg})
	case "NEG-ERR":
		c.deliverNeg(msg.SubID, NegMessage{Err: fmt.Errorf("relay: %s", msg.Notice)})
	}
}

func (c *Conn) deliverNeg(subID string, res NegMessage) {
	c.mu.Lock()
	ch, ok := c.negChan[subID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

// Send publishes evt and waits (up to ctx's deadline) for the relay's OK
// response. Flood control is enforced before the write is attempted.
func (c *Conn) Send(ctx context.Context, evt *nostr.Event) error {
	if c.status.load() != Connected {
		return errs.ErrNotConnected
	}
	if !c.limiter.Allow() {
		return errs.ErrRateLimited
	}

	data, err := encodeEventMsg(evt)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}

	wait := make(chan okResult, 1)
	c.mu.Lock()
	c.pending[evt.ID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, evt.ID)
		c.mu.Unlock()
	}()

	select {
	case c.sendCh <- data:
	case <-ctx.Done():
		return errs.ErrTimeout
	case <-c.shutdown:
		return errs.ErrShutdown
	}

	select {
	case res := <-wait:
		if !res.accepted {
			return fmt.Errorf("relay: %s rejected event %s: %s", c.URL, evt.ID, res.message)
		}
		return nil
	case <-ctx.Done():
		return errs.ErrTimeout
	case <-c.shutdown:
		return errs.ErrShutdown
	}
}

// SendRaw enqueues a pre-encoded message, used by package negentropy to
// drive NEG-OPEN/NEG-MSG/NEG-CLOSE without this package needing to know
// about the reconciliation protocol's semantics.
func (c *Conn) SendRaw(ctx context.Context, data []byte) error {
	if c.status.load() != Connected {
		return errs.ErrNotConnected
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return errs.ErrTimeout
	case <-c.shutdown:
		return errs.ErrShutdown
	}
}

// SendNegOpen sends a NEG-OPEN frame opening a negentropy reconciliation
// (NIP-77) over subID, with initialMsg as the hex-encoded initial range
// message built by package negentropy.
func (c *Conn) SendNegOpen(ctx context.Context, subID string, filter nostr.Filter, initialMsg string) error {
	data, err := encodeNegOpen(subID, filter, initialMsg)
	if err != nil {
		return fmt.Errorf("relay: encode NEG-OPEN: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendNegMsg sends a NEG-MSG frame continuing a negentropy round.
func (c *Conn) SendNegMsg(ctx context.Context, subID, msg string) error {
	data, err := encodeNegMsg(subID, msg)
	if err != nil {
		return fmt.Errorf("relay: encode NEG-MSG: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// SendNegClose sends a NEG-CLOSE frame ending a negentropy session.
func (c *Conn) SendNegClose(ctx context.Context, subID string) error {
	data, err := encodeNegClose(subID)
	if err != nil {
		return fmt.Errorf("relay: encode NEG-CLOSE: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// OpenNeg registers a waiter channel for negentropy messages on subID and
// returns it along with a teardown function.
func (c *Conn) OpenNeg(subID string) (<-chan NegMessage, func()) {
	ch := make(chan NegMessage, 4)
	c.mu.Lock()
	c.negChan[subID] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.negChan, subID)
		c.mu.Unlock()
	}
}

// Subscribe registers filters under subID and sends the REQ. Exceeding the
// subscription cap fails here without touching existing subscriptions.
func (c *Conn) Subscribe(ctx context.Context, subID string, filters []nostr.Filter, opts subscription.AutoClose) error {
	if err := c.subs.Add(subID, filters, opts); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRateLimited, err)
	}
	if c.status.load() != Connected {
		// Not connected yet; replaySubscriptions will send it once the
		// connection comes up.
		return nil
	}
	data, err := encodeReq(subID, filters)
	if err != nil {
		return fmt.Errorf("relay: encode REQ: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// Unsubscribe sends CLOSE and removes subID from the registry.
func (c *Conn) Unsubscribe(ctx context.Context, subID string) error {
	c.subs.Remove(subID)
	if c.status.load() != Connected {
		return nil
	}
	data, err := encodeClose(subID)
	if err != nil {
		return fmt.Errorf("relay: encode CLOSE: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// Authenticate sends a signed NIP-42 AUTH event in response to a challenge.
func (c *Conn) Authenticate(ctx context.Context, evt *nostr.Event) error {
	data, err := encodeAuth(evt)
	if err != nil {
		return fmt.Errorf("relay: encode AUTH: %w", err)
	}
	return c.SendRaw(ctx, data)
}

// Disconnect drops the current socket. Unlike Sleep and Close, the
// reconnect loop keeps running and will re-establish the connection with
// backoff.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "disconnect")
	}
}

// Sleep parks the connection without tearing it down permanently: Run's
// loop idles instead of reconnecting. The pool uses this when a removal
// request leaves the relay with its GOSSIP or DISCOVERY capability.
func (c *Conn) Sleep() {
	c.status.store(Sleeping)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "sleeping")
	}
}

// Wake resumes a Sleeping connection.
func (c *Conn) Wake() {
	c.status.cas(Sleeping, Disconnected)
}

// Close terminates the connection permanently; Terminated is absorbing.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.terminate()
	close(c.shutdown)
	return nil
}

func (c *Conn) terminate() {
	c.status.store(Terminated)
	c.notifyWaiters(errs.ErrShutdown)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "closed")
	}
}
