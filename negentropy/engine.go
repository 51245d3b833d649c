package negentropy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/errs"
	"github.com/nostrrelay/sdk/eventstore"
	"github.com/nostrrelay/sdk/internal/log"
	"github.com/nostrrelay/sdk/relay"
)

const logTag = "negentropy"

// Direction selects which side of a mismatch is acted on: upload only,
// download only, or both.
type Direction int

const (
	Both Direction = iota
	Up
	Down
)

// Options configures one reconciliation, mirroring config.Sync.
type Options struct {
	InitialTimeout time.Duration
	IdleTimeout    time.Duration
	Direction      Direction
}

func (o Options) withDefaults() Options {
	if o.InitialTimeout == 0 {
		o.InitialTimeout = 10 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 2 * time.Second
	}
	return o
}

// Result is one relay's reconciliation outcome: the ids we uploaded, the
// ids we still need, and the ids already common to both sides.
type Result struct {
	Sent     []string
	Received []string
	Local    []string
}

// Engine drives NIP-77 reconciliation against a single relay.Conn at a
// time; package pool fans it out across many relays concurrently and
// aggregates per-relay failures.
type Engine struct {
	store eventstore.Store
	caps  *CapabilityCache
}

// NewEngine builds an Engine backed by store, with a capability cache at
// the given TTL (config.Sync.CapabilityTTLHours).
func NewEngine(store eventstore.Store, capabilityTTL time.Duration) *Engine {
	return &Engine{store: store, caps: NewCapabilityCache(capabilityTTL)}
}

// Reconcile runs one set-reconciliation pass against conn for filter. If
// conn's relay is not known to support NIP-77, it returns
// errs.ErrUnsupported immediately so the caller can fall back to a plain
// REQ.
func (e *Engine) Reconcile(ctx context.Context, conn *relay.Conn, filter nostr.Filter, opts Options) (Result, error) {
	opts = opts.withDefaults()

	if !e.caps.Supports(ctx, conn.URL) {
		return Result{}, errs.ErrUnsupported
	}

	localItems, err := e.localItems(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("negentropy: local items: %w", err)
	}
	localSet := make(map[[32]byte]Item, len(localItems))
	for _, it := range localItems {
		localSet[it.ID] = it
	}

	subID := randomSubID()
	ch, teardown := conn.OpenNeg(subID)
	defer teardown()

	initCtx, cancel := context.WithTimeout(ctx, opts.InitialTimeout)
	defer cancel()
	if err := conn.SendNegOpen(initCtx, subID, filter, EncodeMessage(buildInitialMessage(localItems))); err != nil {
		return Result{}, fmt.Errorf("negentropy: NEG-OPEN: %w", err)
	}

	var result Result
	received := make(map[[32]byte]struct{})
	sent := make(map[[32]byte]struct{})

	deadline := opts.InitialTimeout
	for round := 0; ; round++ {
		select {
		case msg, ok := <-ch:
			if !ok {
				return Result{}, errs.ErrShutdown
			}
			if msg.Err != nil {
				if isUnsupportedError(msg.Err.Error()) {
					e.caps.MarkUnsupported(conn.URL)
				}
				return Result{}, fmt.Errorf("negentropy: %w", msg.Err)
			}

			ranges, err := DecodeMessage(msg.Msg)
			if err != nil {
				return Result{}, err
			}

			mismatch := false
			for _, r := range ranges {
				switch r.Mode {
				case ModeFingerprint:
					localFP := fingerprint(itemsWithin(localItems, r.Upper))
					if localFP != r.Fingerprint {
						mismatch = true
					}
				case ModeIDList:
					remote := make(map[[32]byte]struct{}, len(r.IDs))
					for _, id := range r.IDs {
						remote[id] = struct{}{}
						if _, have := localSet[id]; !have {
							received[id] = struct{}{}
						}
					}
					for _, it := range itemsWithin(localItems, r.Upper) {
						if _, inRemote := remote[it.ID]; !inRemote {
							sent[it.ID] = struct{}{}
						}
					}
				}
			}

			if !mismatch {
				_ = conn.SendNegClose(ctx, subID)
				result = e.finish(localSet, received, sent, opts.Direction)
				log.Printf(logTag, "%s: reconciliation done (sent=%d received=%d local=%d)",
					conn.URL, len(result.Sent), len(result.Received), len(result.Local))
				return result, nil
			}

			if err := conn.SendNegMsg(ctx, subID, EncodeMessage(buildIDListMessage(localItems))); err != nil {
				return Result{}, fmt.Errorf("negentropy: NEG-MSG: %w", err)
			}
			deadline = opts.IdleTimeout

		case <-time.After(deadline):
			return Result{}, errs.ErrTimeout
		case <-ctx.Done():
			return Result{}, errs.ErrTimeout
		}
	}
}

func (e *Engine) localItems(ctx context.Context, filter nostr.Filter) ([]Item, error) {
	raw, err := e.store.NegentropyItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		it, err := ItemFromNegentropyItem(r)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	sortItems(items)
	return items, nil
}

func itemsWithin(items []Item, upper Item) []Item {
	if upper == infinityBound {
		return items
	}
	var out []Item
	for _, it := range items {
		if less(it, upper) {
			out = append(out, it)
		}
	}
	return out
}

func (e *Engine) finish(local map[[32]byte]Item, received, sent map[[32]byte]struct{}, dir Direction) Result {
	var r Result
	for id := range received {
		if dir == Up {
			continue
		}
		r.Received = append(r.Received, hex.EncodeToString(id[:]))
	}
	for id := range sent {
		if dir == Down {
			continue
		}
		r.Sent = append(r.Sent, hex.EncodeToString(id[:]))
	}
	for id := range local {
		if _, wasSent := sent[id]; !wasSent {
			r.Local = append(r.Local, hex.EncodeToString(id[:]))
		}
	}
	return r
}

func randomSubID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "neg-" + hex.EncodeToString(b[:])
}
