// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowcache implements the bounded 5-tuple -> decision cache that
// is the fast path for established flows. The cache is sharded to keep
// lock contention off the hot path; each shard is an LRU bounded at
// capacity/shards entries, so total memory never exceeds the configured
// bound regardless of flow churn. Decisions are advisory accelerations of
// the policy store result: staleness after a policy change is acceptable
// up to the cache's natural turnover.
package flowcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"grimm.is/breakwater/internal/engine/types"
)

// Config for the flow cache.
type Config struct {
	Capacity int `hcl:"capacity,optional" json:"capacity"`
	Shards   int `hcl:"shards,optional" json:"shards"`
}

// DefaultConfig returns the default flow cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: 100000,
		Shards:   64,
	}
}

// Cache is a sharded, capacity-bounded LRU from flow key to decision.
type Cache struct {
	shards []*shard
	stats  Stats
}

// Stats tracks cache effectiveness.
type Stats struct {
	Hits      atomic.Uint64
	Misses    atomic.Uint64
	Evictions atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[types.FlowKey]*list.Element
	lru     *list.List
	maxSize int
}

type entry struct {
	key      types.FlowKey
	decision *types.Decision
}

// New creates a flow cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	shardSize := cfg.Capacity / cfg.Shards
	if shardSize < 1 {
		shardSize = 1
	}

	c := &Cache{shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[types.FlowKey]*list.Element, shardSize),
			lru:     list.New(),
			maxSize: shardSize,
		}
	}
	return c
}

// Lookup returns the cached decision for a flow, marking the entry as
// recently used. The returned pointer lets the caller advance packet and
// byte counters without a second lookup.
func (c *Cache) Lookup(key types.FlowKey) (*types.Decision, bool) {
	s := c.getShard(&key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.stats.Misses.Add(1)
		return nil, false
	}
	s.lru.MoveToFront(el)
	d := el.Value.(*entry).decision
	s.mu.Unlock()

	c.stats.Hits.Add(1)
	return d, true
}

// Insert caches a decision for a flow, evicting the least-recently-used
// entry of the shard when it is full. An existing entry is replaced in
// place and marked recently used.
func (c *Cache) Insert(key types.FlowKey, d *types.Decision) {
	s := c.getShard(&key)

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		el.Value.(*entry).decision = d
		s.lru.MoveToFront(el)
		s.mu.Unlock()
		return
	}

	if s.lru.Len() >= s.maxSize {
		if back := s.lru.Back(); back != nil {
			victim := back.Value.(*entry)
			delete(s.entries, victim.key)
			s.lru.Remove(back)
			c.stats.Evictions.Add(1)
		}
	}

	el := s.lru.PushFront(&entry{key: key, decision: d})
	s.entries[key] = el
	s.mu.Unlock()
}

// Invalidate removes a single flow from the cache, if present.
func (c *Cache) Invalidate(key types.FlowKey) {
	s := c.getShard(&key)
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.lru.Remove(el)
	}
	s.mu.Unlock()
}

// Purge drops every cached decision. Used after bulk policy reloads when
// waiting for natural turnover is not acceptable.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[types.FlowKey]*list.Element)
		s.lru.Init()
		s.mu.Unlock()
	}
}

// Len returns the number of cached flows.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// Snapshot returns the current hit/miss/eviction counters.
func (c *Cache) Snapshot() (hits, misses, evictions uint64) {
	return c.stats.Hits.Load(), c.stats.Misses.Load(), c.stats.Evictions.Load()
}

func (c *Cache) getShard(key *types.FlowKey) *shard {
	return c.shards[key.Hash()%uint64(len(c.shards))]
}
