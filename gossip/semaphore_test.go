package gossip

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreSerializesOverlappingKeySets(t *testing.T) {
	sem := NewSemaphore()
	ctx := context.Background()

	p1, err := sem.Acquire(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		p2, err := sem.Acquire(ctx, []string{"b", "c"})
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
		p2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("expected overlapping acquire to block while b is held")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected second acquire to proceed after release")
	}
}

// Two goroutines repeatedly taking overlapping key sets in opposite orders
// must never wedge: the sorted total order plus the single acquisition
// mutex forbids a cycle.
func TestSemaphoreNoDeadlockOppositeOrders(t *testing.T) {
	sem := NewSemaphore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, keys := range [][]string{{"x", "y"}, {"y", "x"}} {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p, err := sem.Acquire(ctx, keys)
				if err != nil {
					t.Errorf("acquire %v: %v", keys, err)
					return
				}
				p.Release()
			}
		}(keys)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("deadlock: overlapping acquires did not complete")
	}
}

func TestSemaphoreAcquireRespectsContextCancel(t *testing.T) {
	sem := NewSemaphore()
	p, err := sem.Acquire(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(ctx, []string{"k"}); err == nil {
		t.Fatal("expected a blocked acquire to fail once its context expires")
	}
}

func TestSemaphoreDuplicateKeysCollapse(t *testing.T) {
	sem := NewSemaphore()
	p, err := sem.Acquire(context.Background(), []string{"k", "k", "k"})
	if err != nil {
		t.Fatalf("acquire with duplicate keys: %v", err)
	}
	p.Release()

	// If duplicates were acquired separately the second grab would hang on
	// the second "k" permit forever.
	p2, err := sem.Acquire(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	p2.Release()
}

func TestSemaphoreCleansUpIdleEntries(t *testing.T) {
	sem := NewSemaphore()
	p, err := sem.Acquire(context.Background(), []string{"gone"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()

	deadline := time.Now().Add(time.Second)
	for {
		sem.mu.Lock()
		n := len(sem.inFlight)
		sem.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected idle semaphore entries to be removed, %d remain", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
