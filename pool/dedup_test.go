package pool

import "testing"

func TestDedupCacheFirstSeenOnly(t *testing.T) {
	d := newDedupCache(10)
	if !d.seen("a") {
		t.Fatal("expected first sighting of a to report new")
	}
	if d.seen("a") {
		t.Fatal("expected second sighting of a to report duplicate")
	}
	if !d.seen("b") {
		t.Fatal("expected first sighting of b to report new")
	}
}

func TestDedupCacheEvictsOldestAtCapacity(t *testing.T) {
	d := newDedupCache(2)
	d.seen("a")
	d.seen("b")
	d.seen("c") // evicts a

	if !d.seen("a") { // re-adding a evicts b, now the least recently seen
		t.Fatal("expected a to have been evicted and treated as new again")
	}
	if d.seen("c") {
		t.Fatal("expected c to still be tracked")
	}
}
