// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lru provides a sharded, capacity-bounded map with
// least-recently-used eviction. It backs the per-source tables (behavioral
// stats, rate-limit state) whose key space is attacker-controlled: the
// bound guarantees a memory ceiling under unbounded address churn, trading
// perfect accuracy for never allocating in proportion to an attack.
package lru

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Map is a sharded LRU map from uint64 keys to values of type V.
type Map[V any] struct {
	shards    []*shard[V]
	evictions atomic.Uint64
}

type shard[V any] struct {
	mu      sync.Mutex
	items   map[uint64]*list.Element
	order   *list.List
	maxSize int
}

type item[V any] struct {
	key   uint64
	value V
}

// NewMap creates a bounded map with the given total capacity split across
// shards. Capacity and shards are clamped to at least 1.
func NewMap[V any](capacity, shards int) *Map[V] {
	if shards < 1 {
		shards = 1
	}
	if capacity < shards {
		capacity = shards
	}
	shardSize := capacity / shards

	m := &Map[V]{shards: make([]*shard[V], shards)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{
			items:   make(map[uint64]*list.Element, shardSize),
			order:   list.New(),
			maxSize: shardSize,
		}
	}
	return m
}

// Get returns the value for key, marking it recently used.
func (m *Map[V]) Get(key uint64) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*item[V]).value, true
}

// GetOrCreate returns the existing value for key, or stores and returns the
// value produced by create. The entry is marked recently used either way;
// insertion past capacity evicts the shard's least-recently-used entry.
func (m *Map[V]) GetOrCreate(key uint64, create func() V) V {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*item[V]).value
	}

	if s.order.Len() >= s.maxSize {
		if back := s.order.Back(); back != nil {
			victim := back.Value.(*item[V])
			delete(s.items, victim.key)
			s.order.Remove(back)
			m.evictions.Add(1)
		}
	}

	v := create()
	el := s.order.PushFront(&item[V]{key: key, value: v})
	s.items[key] = el
	return v
}

// Set stores a value for key, marking it recently used and evicting the
// least-recently-used entry of the shard if the shard is full.
func (m *Map[V]) Set(key uint64, v V) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*item[V]).value = v
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.maxSize {
		if back := s.order.Back(); back != nil {
			victim := back.Value.(*item[V])
			delete(s.items, victim.key)
			s.order.Remove(back)
			m.evictions.Add(1)
		}
	}

	el := s.order.PushFront(&item[V]{key: key, value: v})
	s.items[key] = el
}

// Delete removes a key, if present.
func (m *Map[V]) Delete(key uint64) {
	s := m.shard(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		delete(s.items, key)
		s.order.Remove(el)
	}
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (m *Map[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}

// Evictions returns the number of entries displaced by capacity pressure.
func (m *Map[V]) Evictions() uint64 {
	return m.evictions.Load()
}

// Range calls fn for every entry without affecting recency order. Iteration
// holds each shard's lock in turn; fn must not call back into the map.
func (m *Map[V]) Range(fn func(key uint64, v V) bool) {
	for _, s := range m.shards {
		s.mu.Lock()
		for el := s.order.Front(); el != nil; el = el.Next() {
			it := el.Value.(*item[V])
			if !fn(it.key, it.value) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}

func (m *Map[V]) shard(key uint64) *shard[V] {
	return m.shards[key%uint64(len(m.shards))]
}
