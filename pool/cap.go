package pool

import (
	"sync/atomic"

	"github.com/nostrrelay/sdk/relay"
)

// Cap is the capability bitset on a registered relay.
type Cap uint8

const (
	Read Cap = 1 << iota
	Write
	Gossip
	Discovery
)

// Has reports whether c includes any bit set in other.
func (c Cap) Has(other Cap) bool { return c&other != 0 }

// AddOptions configures AddRelay.
type AddOptions struct {
	Caps Cap

	// WaitForConnect blocks AddRelay until the relay's first handshake
	// completes or fails, instead of returning with the connect loop
	// running in the background.
	WaitForConnect bool
}

// entry is the pool's bookkeeping for one registered relay: its Conn plus
// the capability bits governing dispatch and the force-remove/remove
// distinction. Capability bits are read on every dispatch, so they live in
// an atomic rather than under a lock.
type entry struct {
	conn *relay.Conn
	caps atomic.Uint32
}

func (e *entry) capBits() Cap { return Cap(e.caps.Load()) }

func (e *entry) addCaps(c Cap) {
	for {
		old := e.caps.Load()
		if e.caps.CompareAndSwap(old, old|uint32(c)) {
			return
		}
	}
}

func (e *entry) clearCaps(c Cap) {
	for {
		old := e.caps.Load()
		if e.caps.CompareAndSwap(old, old&^uint32(c)) {
			return
		}
	}
}
