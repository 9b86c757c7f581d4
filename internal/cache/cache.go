// Package cache holds loaded layers under a byte budget with strict
// least-recently-used eviction.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"genomed/internal/layer"
)

// ErrTooLarge is returned by Set when a layer alone exceeds the budget.
var ErrTooLarge = errors.New("cache: layer exceeds budget")

// Stats mirrors the counters an operator needs to judge cache health.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	BytesUsed int64  `json:"bytes_used"`
	Budget    int64  `json:"budget"`
	Entries   int    `json:"entries"`
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	id           string
	layer        *layer.Layer
	size         int64
	lastAccessed time.Time
	accessCount  uint64
}

// Cache is a size-aware strict LRU. Recency is tracked by list position:
// the front is most recently used. Entries inserted or touched later move
// to the front, so ties in access time resolve by insertion order.
type Cache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
	onEvict func(id string, size int64)

	hits, misses, evictions uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithOnEvict registers fn to be called (outside the cache lock) for every
// entry removed by eviction or Evict.
func WithOnEvict(fn func(id string, size int64)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// WithClock overrides the time source used for last-access stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns a cache bounded to budget bytes.
func New(budget int64, opts ...Option) *Cache {
	c := &Cache{
		budget:  budget,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached layer and marks it most recently used.
func (c *Cache) Get(id string) (*layer.Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e := el.Value.(*entry)
	e.lastAccessed = c.now()
	e.accessCount++
	c.order.MoveToFront(el)
	return e.layer, true
}

// Has reports whether id is cached without affecting recency or counters.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	_, ok := c.entries[id]
	c.mu.Unlock()
	return ok
}

// Peek returns the cached layer without affecting recency or counters.
func (c *Cache) Peek(id string) (*layer.Layer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).layer, true
}

// Set inserts or replaces l, evicting least recently used entries until it
// fits. A layer larger than the whole budget is rejected and nothing is
// evicted.
func (c *Cache) Set(l *layer.Layer) error {
	size := l.Size
	if size <= 0 {
		size = int64(len(l.Payload))
	}
	c.mu.Lock()
	if size > c.budget {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %d bytes, budget %d", ErrTooLarge, l.ID, size, c.budget)
	}
	if el, ok := c.entries[l.ID]; ok {
		old := el.Value.(*entry)
		c.used -= old.size
		c.order.Remove(el)
		delete(c.entries, l.ID)
	}
	var evicted []*entry
	for c.used+size > c.budget {
		back := c.order.Back()
		if back == nil {
			break
		}
		e := c.removeElement(back)
		c.evictions++
		evicted = append(evicted, e)
	}
	e := &entry{id: l.ID, layer: l, size: size, lastAccessed: c.now()}
	c.entries[l.ID] = c.order.PushFront(e)
	c.used += size
	c.mu.Unlock()

	c.notify(evicted)
	return nil
}

// Evict removes id. It reports whether an entry was present.
func (c *Cache) Evict(id string) bool {
	c.mu.Lock()
	el, ok := c.entries[id]
	var e *entry
	if ok {
		e = c.removeElement(el)
		c.evictions++
	}
	c.mu.Unlock()
	if ok {
		c.notify([]*entry{e})
	}
	return ok
}

// Keys returns cached ids from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(*entry).id)
	}
	return out
}

// EntryInfo is a read-only view of one cache entry.
type EntryInfo struct {
	ID           string    `json:"id"`
	Size         int64     `json:"size"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  uint64    `json:"access_count"`
}

// Entries returns entry views in the same order as Keys.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryInfo, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		out = append(out, EntryInfo{ID: e.id, Size: e.size, LastAccessed: e.lastAccessed, AccessCount: e.accessCount})
	}
	return out
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		BytesUsed: c.used,
		Budget:    c.budget,
		Entries:   len(c.entries),
	}
}

func (c *Cache) removeElement(el *list.Element) *entry {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.id)
	c.used -= e.size
	return e
}

func (c *Cache) notify(evicted []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.id, e.size)
	}
}
