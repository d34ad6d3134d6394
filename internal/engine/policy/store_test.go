// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/engine/types"
)

func mustCIDR(t *testing.T, cidr string) (uint32, int) {
	t.Helper()
	prefix, prefixLen, err := ParseCIDR(cidr)
	require.NoError(t, err)
	return prefix, prefixLen
}

func TestParseCIDR(t *testing.T) {
	prefix, prefixLen := mustCIDR(t, "192.168.1.0/24")
	assert.Equal(t, uint32(0xC0A80100), prefix)
	assert.Equal(t, 24, prefixLen)

	_, _, err := ParseCIDR("not-a-cidr")
	assert.Error(t, err)

	_, _, err = ParseCIDR("2001:db8::/32")
	assert.Error(t, err)
}

func TestStore_LongestPrefixWins(t *testing.T) {
	s := NewStore()

	wide, wideLen := mustCIDR(t, "10.0.0.0/8")
	narrow, narrowLen := mustCIDR(t, "10.1.0.0/16")
	host, hostLen := mustCIDR(t, "10.1.2.3/32")

	require.NoError(t, s.Upsert(Rule{RuleID: "wide", Prefix: wide, PrefixLen: wideLen, Action: types.ActionAllow}))
	require.NoError(t, s.Upsert(Rule{RuleID: "narrow", Prefix: narrow, PrefixLen: narrowLen, Action: types.ActionDeny}))
	require.NoError(t, s.Upsert(Rule{RuleID: "host", Prefix: host, PrefixLen: hostLen, Action: types.ActionInspect}))

	r, ok := s.Match(0x0A010203) // 10.1.2.3
	require.True(t, ok)
	assert.Equal(t, "host", r.RuleID)

	r, ok = s.Match(0x0A010204) // 10.1.2.4
	require.True(t, ok)
	assert.Equal(t, "narrow", r.RuleID)

	r, ok = s.Match(0x0A990001) // 10.153.0.1
	require.True(t, ok)
	assert.Equal(t, "wide", r.RuleID)

	_, ok = s.Match(0x0B000001) // 11.0.0.1
	assert.False(t, ok)
}

func TestStore_IdenticalPrefixTieBreak(t *testing.T) {
	s := NewStore()
	prefix, prefixLen := mustCIDR(t, "10.0.0.0/8")

	require.NoError(t, s.Upsert(Rule{RuleID: "bbb", Prefix: prefix, PrefixLen: prefixLen, Action: types.ActionDeny}))
	require.NoError(t, s.Upsert(Rule{RuleID: "aaa", Prefix: prefix, PrefixLen: prefixLen, Action: types.ActionAllow}))

	// Lexicographically smallest rule ID wins, regardless of insert order.
	r, ok := s.Match(0x0A000001)
	require.True(t, ok)
	assert.Equal(t, "aaa", r.RuleID)
}

func TestStore_UpsertReplacesByID(t *testing.T) {
	s := NewStore()
	prefix, prefixLen := mustCIDR(t, "10.0.0.0/8")

	require.NoError(t, s.Upsert(Rule{RuleID: "r1", Prefix: prefix, PrefixLen: prefixLen, Action: types.ActionAllow}))
	require.NoError(t, s.Upsert(Rule{RuleID: "r1", Prefix: prefix, PrefixLen: prefixLen, Action: types.ActionDeny}))

	assert.Equal(t, 1, s.Len())
	r, _ := s.Match(0x0A000001)
	assert.Equal(t, types.ActionDeny, r.Action)
}

func TestStore_UpsertValidation(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.Upsert(Rule{RuleID: "", PrefixLen: 8}))
	assert.Error(t, s.Upsert(Rule{RuleID: "r", PrefixLen: 33}))
	assert.Error(t, s.Upsert(Rule{RuleID: "r", PrefixLen: 8, Action: types.Action(9)}))
}

func TestStore_RemoveUnknown(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.Remove("ghost"))

	prefix, prefixLen := mustCIDR(t, "10.0.0.0/8")
	require.NoError(t, s.Upsert(Rule{RuleID: "r1", Prefix: prefix, PrefixLen: prefixLen}))
	require.NoError(t, s.Remove("r1"))

	_, ok := s.Match(0x0A000001)
	assert.False(t, ok)
}

func TestStore_Replace(t *testing.T) {
	s := NewStore()
	p1, l1 := mustCIDR(t, "10.0.0.0/8")
	require.NoError(t, s.Upsert(Rule{RuleID: "old", Prefix: p1, PrefixLen: l1, Action: types.ActionDeny}))

	p2, l2 := mustCIDR(t, "172.16.0.0/12")
	require.NoError(t, s.Replace([]Rule{
		{RuleID: "new", Prefix: p2, PrefixLen: l2, Action: types.ActionAllow},
	}))

	_, ok := s.Match(0x0A000001)
	assert.False(t, ok, "rule from before the replace survived")
	r, ok := s.Match(0xAC100001)
	require.True(t, ok)
	assert.Equal(t, "new", r.RuleID)

	// Replacing with the same set is idempotent.
	require.NoError(t, s.Replace(s.List()))
	assert.Equal(t, 1, s.Len())
}

func TestStore_ListSorted(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Upsert(Rule{RuleID: id, PrefixLen: 0}))
	}
	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].RuleID)
	assert.Equal(t, "c", list[2].RuleID)
}

func TestStore_ConcurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	prefix, prefixLen := mustCIDR(t, "10.0.0.0/8")
	require.NoError(t, s.Upsert(Rule{RuleID: "base", Prefix: prefix, PrefixLen: prefixLen, Action: types.ActionDeny}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// The base rule must be visible in every intermediate table.
				r, ok := s.Match(0x0A000001)
				if assert.True(t, ok) {
					assert.NotNil(t, r)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("churn-%d", i%10)
		require.NoError(t, s.Upsert(Rule{RuleID: id, Prefix: prefix, PrefixLen: 16, Action: types.ActionAllow}))
	}
	close(stop)
	wg.Wait()
}
