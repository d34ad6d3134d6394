// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/engine/policy"
	"grimm.is/breakwater/internal/engine/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PolicyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rule := policy.Rule{
		RuleID:       "web-tier",
		Prefix:       0xC0A80100, // 192.168.1.0
		PrefixLen:    24,
		Action:       types.ActionDeny,
		InspectLevel: 2,
		RateClass:    "web",
	}
	require.NoError(t, s.SavePolicy(rule))

	rules, err := s.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule, rules[0])
}

func TestStore_PolicyUpsert(t *testing.T) {
	s := openTestStore(t)

	rule := policy.Rule{RuleID: "r1", Prefix: 0x0A000000, PrefixLen: 8, Action: types.ActionAllow}
	require.NoError(t, s.SavePolicy(rule))

	rule.Action = types.ActionDeny
	require.NoError(t, s.SavePolicy(rule))

	rules, err := s.LoadPolicies()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, types.ActionDeny, rules[0].Action)
}

func TestStore_PolicyDelete(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SavePolicy(policy.Rule{RuleID: "r1", PrefixLen: 0}))
	require.NoError(t, s.DeletePolicy("r1"))
	require.NoError(t, s.DeletePolicy("ghost"))

	rules, err := s.LoadPolicies()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestStore_BlockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.SaveBlock(BlockEntry{Address: "192.168.0.0", PrefixLen: 16}))
	require.NoError(t, s.SaveBlock(BlockEntry{Address: "2001:db8::1"}))

	entries, err := s.LoadBlocklist(now)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestStore_LoadBlocklistSkipsExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.2", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.3"})) // permanent

	entries, err := s.LoadBlocklist(now)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEqual(t, "10.0.0.1", e.Address)
	}
}

func TestStore_PruneExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.1", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.2"}))

	n, err := s.PruneExpired(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.LoadBlocklist(now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.2", entries[0].Address)
}

func TestStore_DeleteBlock(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveBlock(BlockEntry{Address: "10.0.0.1"}))
	require.NoError(t, s.DeleteBlock("10.0.0.1"))

	entries, err := s.LoadBlocklist(time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SavePolicy(policy.Rule{RuleID: "r1", Prefix: 0x0A000000, PrefixLen: 8}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	rules, err := s.LoadPolicies()
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
