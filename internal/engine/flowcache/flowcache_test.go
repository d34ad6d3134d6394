// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/engine/types"
)

func key(n uint32) types.FlowKey {
	return types.FlowKey{SrcIP: n, DstIP: 0xC0A80001, SrcPort: 1234, DstPort: 80, Proto: 6}
}

func TestCache_InsertLookup(t *testing.T) {
	c := New(Config{Capacity: 100, Shards: 4})

	_, ok := c.Lookup(key(1))
	assert.False(t, ok)

	d := &types.Decision{Action: types.ActionDeny, Reason: types.ReasonPolicy, RuleID: "r1"}
	c.Insert(key(1), d)

	got, ok := c.Lookup(key(1))
	require.True(t, ok)
	assert.Same(t, d, got)

	hits, misses, _ := c.Snapshot()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCache_ReplaceInPlace(t *testing.T) {
	c := New(Config{Capacity: 100, Shards: 1})
	c.Insert(key(1), &types.Decision{Action: types.ActionAllow})
	c.Insert(key(1), &types.Decision{Action: types.ActionDeny})

	d, ok := c.Lookup(key(1))
	require.True(t, ok)
	assert.Equal(t, types.ActionDeny, d.Action)
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsWhenFull(t *testing.T) {
	c := New(Config{Capacity: 4, Shards: 1})
	for i := uint32(0); i < 4; i++ {
		c.Insert(key(i), &types.Decision{})
	}

	// Touch 0 so 1 is the eviction victim.
	c.Lookup(key(0))
	c.Insert(key(9), &types.Decision{})

	_, ok := c.Lookup(key(1))
	assert.False(t, ok)
	_, ok = c.Lookup(key(0))
	assert.True(t, ok)

	_, _, evictions := c.Snapshot()
	assert.Equal(t, uint64(1), evictions)
	assert.Equal(t, 4, c.Len())
}

func TestCache_CapacityBound(t *testing.T) {
	c := New(Config{Capacity: 64, Shards: 8})
	for i := uint32(0); i < 10000; i++ {
		c.Insert(key(i), &types.Decision{})
	}
	assert.LessOrEqual(t, c.Len(), 64)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(DefaultConfig())
	c.Insert(key(1), &types.Decision{})
	c.Invalidate(key(1))
	c.Invalidate(key(2)) // absent is fine

	_, ok := c.Lookup(key(1))
	assert.False(t, ok)
}

func TestCache_Purge(t *testing.T) {
	c := New(DefaultConfig())
	for i := uint32(0); i < 50; i++ {
		c.Insert(key(i), &types.Decision{})
	}
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestDecision_Touch(t *testing.T) {
	d := &types.Decision{}
	d.Touch(100)
	d.Touch(50)
	assert.Equal(t, uint64(2), d.Packets.Load())
	assert.Equal(t, uint64(150), d.Bytes.Load())
}
