package pool

import (
	"container/list"
	"sync"
)

// dedupCache is a bounded sliding set of recently seen event ids, gating
// bus Event notifications. Eviction is least-recently-seen first: a repeat
// sighting moves the id to the back of a doubly-linked list, and the front
// is evicted once capacity is exceeded, rather than clearing the map
// wholesale.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &dedupCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// seen records id if not already present and reports whether it was new.
func (d *dedupCache) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		d.order.MoveToBack(el)
		return false
	}

	el := d.order.PushBack(id)
	d.index[id] = el

	if d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return true
}
