package relay

import "sync/atomic"

// Status is the relay connection's lifecycle state. It is stored in an
// atomic.Int32 rather than guarded by a mutex so status reads never block.
type Status int32

const (
	// Initialized is the state before the first connection attempt.
	Initialized Status = iota
	// Connecting is in flight (dial in progress, or waiting on backoff).
	Connecting
	// Connected means the websocket is up and the writer/reader goroutines
	// are running.
	Connected
	// Disconnected means the socket dropped and a reconnect is scheduled.
	Disconnected
	// Sleeping means the connection was intentionally parked (e.g. kept
	// only because it still carries the GOSSIP or DISCOVERY capability) and
	// will not reconnect on its own.
	Sleeping
	// Banned means the relay rejected us in a way that should not be
	// retried automatically (e.g. repeated auth failure).
	Banned
	// Terminated is absorbing: the connection was closed by the owner and
	// will never reconnect.
	Terminated
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Sleeping:
		return "sleeping"
	case Banned:
		return "banned"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type statusBox struct {
	v atomic.Int32
}

func (b *statusBox) load() Status   { return Status(b.v.Load()) }
func (b *statusBox) store(s Status) { b.v.Store(int32(s)) }
func (b *statusBox) cas(old, next Status) bool {
	return b.v.CompareAndSwap(int32(old), int32(next))
}
