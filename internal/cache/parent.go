// Package cache provides the bounded in-process parent-id cache used by the
// ingestion path.
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/trendbridge/trendbridge/pkg/types"
)

// DefaultMaxEntries is the default capacity of a parent cache.
const DefaultMaxEntries = 10000

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ParentCache maps identity tuples to parent row ids. Implementations must be
// safe for concurrent use.
type ParentCache interface {
	Get(id types.Identity) (int64, bool)
	Put(id types.Identity, parentID int64)
	PutAll(entries map[types.Identity]int64)
	Len() int
	Clear()
	Stats() Stats
}

// Metrics holds cache counters.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
}

// ClearingCache is a bounded map that empties itself completely when an
// insert would exceed capacity. A full clear costs one cold batch of lookups
// and keeps the hot path free of recency bookkeeping.
type ClearingCache struct {
	mu       sync.RWMutex
	entries  map[types.Identity]int64
	capacity int
	metrics  Metrics
}

// NewClearingCache creates a cache holding at most capacity entries.
// A non-positive capacity selects DefaultMaxEntries.
func NewClearingCache(capacity int) *ClearingCache {
	if capacity <= 0 {
		capacity = DefaultMaxEntries
	}
	return &ClearingCache{
		entries:  make(map[types.Identity]int64),
		capacity: capacity,
	}
}

// Get returns the cached parent id for id.
func (c *ClearingCache) Get(id types.Identity) (int64, bool) {
	c.mu.RLock()
	parentID, ok := c.entries[id]
	c.mu.RUnlock()

	if ok {
		c.metrics.Hits.Add(1)
	} else {
		c.metrics.Misses.Add(1)
	}
	return parentID, ok
}

// Put stores one mapping.
func (c *ClearingCache) Put(id types.Identity, parentID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(id, parentID)
}

// PutAll stores several mappings under one lock acquisition.
func (c *ClearingCache) PutAll(entries map[types.Identity]int64) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, parentID := range entries {
		c.putLocked(id, parentID)
	}
}

// putLocked must be called with the write lock held.
func (c *ClearingCache) putLocked(id types.Identity, parentID int64) {
	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.capacity {
		c.entries = make(map[types.Identity]int64, c.capacity)
		c.metrics.Evictions.Add(1)
	}
	c.entries[id] = parentID
}

// Len returns the number of cached entries.
func (c *ClearingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry. Counters are kept.
func (c *ClearingCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[types.Identity]int64, c.capacity)
	c.mu.Unlock()
}

// Capacity returns the configured maximum number of entries.
func (c *ClearingCache) Capacity() int {
	return c.capacity
}

// Stats returns the current counters.
func (c *ClearingCache) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      c.metrics.Hits.Load(),
		Misses:    c.metrics.Misses.Load(),
		Evictions: c.metrics.Evictions.Load(),
	}
}

// HitRate returns the hit rate as a percentage.
func (c *ClearingCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	total := hits + c.metrics.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
