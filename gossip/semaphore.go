// Package gossip implements the outbox-model routing layer: a deadlock-free
// per-author concurrency controller, the filter breakdown router, and the
// relay-list freshness updater.
package gossip

import (
	"context"
	"sort"
	"sync"
)

// keySemaphore is a 1-permit channel semaphore: a buffered channel of
// capacity 1 holding a single token. acquire blocks until the token is
// available; release puts it back.
type keySemaphore struct {
	tok chan struct{}
}

func newKeySemaphore() *keySemaphore {
	s := &keySemaphore{tok: make(chan struct{}, 1)}
	s.tok <- struct{}{}
	return s
}

func (s *keySemaphore) acquire(ctx context.Context) error {
	select {
	case <-s.tok:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *keySemaphore) release() {
	select {
	case s.tok <- struct{}{}:
	default:
	}
}

// available reports whether nobody currently holds (or waits on) the
// token; only such entries may be evicted from the map.
func (s *keySemaphore) available() bool {
	return len(s.tok) == 1
}

// Semaphore coordinates concurrent gossip refreshes across overlapping
// author key sets without ever deadlocking. A single mutex serializes
// acquisition of the whole key set: acquirers can only await semaphores
// already held by another fully-owned acquisition, never race each other
// into a lock-ordering cycle.
type Semaphore struct {
	mu       sync.Mutex
	inFlight map[string]*keySemaphore
}

// NewSemaphore returns an empty gossip semaphore.
func NewSemaphore() *Semaphore {
	return &Semaphore{inFlight: make(map[string]*keySemaphore)}
}

// Permit is the guard returned by Acquire. Release must be called exactly
// once to hand the keys back and trigger map cleanup.
type Permit struct {
	sem      *Semaphore
	keys     []string
	acquired []*keySemaphore
}

// Acquire takes permits for every key in keys, in a total order (sorted
// byte order of the key strings), while holding the central mutex for the
// get-or-insert + acquire sequence. Waiting can only be on semaphores whose
// owners already hold their complete key sets, so no cycle can form.
func (s *Semaphore) Acquire(ctx context.Context, keys []string) (*Permit, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	dedup := sorted[:0]
	var last string
	for i, k := range sorted {
		if i == 0 || k != last {
			dedup = append(dedup, k)
			last = k
		}
	}

	s.mu.Lock()
	sems := make([]*keySemaphore, 0, len(dedup))
	for _, k := range dedup {
		sem, ok := s.inFlight[k]
		if !ok {
			sem = newKeySemaphore()
			s.inFlight[k] = sem
		}
		sems = append(sems, sem)
	}

	acquired := make([]*keySemaphore, 0, len(sems))
	var acquireErr error
	for _, sem := range sems {
		if err := sem.acquire(ctx); err != nil {
			acquireErr = err
			break
		}
		acquired = append(acquired, sem)
	}
	s.mu.Unlock()

	if acquireErr != nil {
		for _, sem := range acquired {
			sem.release()
		}
		go s.cleanup(dedup)
		return nil, acquireErr
	}

	return &Permit{sem: s, keys: dedup, acquired: acquired}, nil
}

// Release returns every permit in the set and asynchronously cleans up any
// key semaphore nobody else is holding or waiting on. It deliberately does
// not take the central mutex: an Acquire in progress may be awaiting one of
// these tokens while holding it.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	for _, sem := range p.acquired {
		sem.release()
	}
	go p.sem.cleanup(p.keys)
}

func (s *Semaphore) cleanup(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if sem, ok := s.inFlight[k]; ok && sem.available() {
			delete(s.inFlight, k)
		}
	}
}
