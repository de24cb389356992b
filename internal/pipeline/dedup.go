package pipeline

import (
	"container/list"
	"sync"
)

// DefaultDedupCapacity bounds the seen message-id set of one session.
const DefaultDedupCapacity = 1000

type dedupEntry struct {
	id        string
	responded bool
}

// dedup is a bounded LRU of inbound message ids. Entries carry a
// responded marker set once a reply went out for the message.
type dedup struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

func newDedup(capacity int) *dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedup{cap: capacity, order: list.New(), items: make(map[string]*list.Element)}
}

// add records id and reports whether it was already present.
func (d *dedup) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[id]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.items[id] = d.order.PushFront(&dedupEntry{id: id})
	for d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.items, oldest.Value.(*dedupEntry).id)
	}
	return false
}

// markResponded sets the responded marker for id, adding it if needed.
func (d *dedup) markResponded(id string) {
	d.add(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[id]; ok {
		el.Value.(*dedupEntry).responded = true
	}
}

func (d *dedup) responded(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.items[id]
	return ok && el.Value.(*dedupEntry).responded
}

func (d *dedup) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
