// Package itemcache caches listing details fetched for AI prompts and
// delivery rule matching.
package itemcache

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/marketplace"
)

// DefaultTTL is how long a fetched item stays cached.
const DefaultTTL = time.Hour

// FetchFunc loads an item on a cache miss.
type FetchFunc func(ctx context.Context, itemID string) (*marketplace.Item, error)

type entry struct {
	item    *marketplace.Item
	expires time.Time
}

// Cache is a TTL cache keyed by item id. Failed fetches are not cached.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a Cache. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

// Get returns the cached item or loads it with fetch.
func (c *Cache) Get(ctx context.Context, itemID string, fetch FetchFunc) (*marketplace.Item, error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[itemID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.item, nil
	}

	item, err := fetch(ctx, itemID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[itemID] = entry{item: item, expires: now.Add(c.ttl)}
	c.prune(now)
	c.mu.Unlock()
	return item, nil
}

// Put stores an item directly, e.g. from an order event that carried a title.
func (c *Cache) Put(item *marketplace.Item) {
	if item == nil || item.ID == "" {
		return
	}
	c.mu.Lock()
	c.entries[item.ID] = entry{item: item, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune drops expired entries. Caller holds mu.
func (c *Cache) prune(now time.Time) {
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
}
