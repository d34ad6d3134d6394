// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package blocklist

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/clock"
)

func TestBlocklist_ExactTTL(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	b.Add(0x0A000001, clk.Now().Add(time.Minute))
	assert.True(t, b.IsBlocked(0x0A000001))
	assert.False(t, b.IsBlocked(0x0A000002))

	clk.Advance(59 * time.Second)
	assert.True(t, b.IsBlocked(0x0A000001))

	clk.Advance(2 * time.Second)
	assert.False(t, b.IsBlocked(0x0A000001))

	// The lazy expiry on read removed the entry.
	assert.Equal(t, 0, b.Len())
}

func TestBlocklist_Permanent(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	b.Add(1, time.Time{})
	clk.Advance(1000 * time.Hour)
	assert.True(t, b.IsBlocked(1))

	b.Remove(1)
	assert.False(t, b.IsBlocked(1))
}

func TestBlocklist_Prefix(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	// 192.168.0.0/16
	require.NoError(t, b.AddPrefix(0xC0A80000, 16, time.Time{}))

	assert.True(t, b.IsBlocked(0xC0A80001))
	assert.True(t, b.IsBlocked(0xC0A8FFFF))
	assert.False(t, b.IsBlocked(0xC0A70001))

	b.RemovePrefix(0xC0A80000, 16)
	assert.False(t, b.IsBlocked(0xC0A80001))
}

func TestBlocklist_PrefixTTL(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	require.NoError(t, b.AddPrefix(0x0A000000, 8, clk.Now().Add(time.Minute)))
	assert.True(t, b.IsBlocked(0x0A123456))

	clk.Advance(2 * time.Minute)
	assert.False(t, b.IsBlocked(0x0A123456))
}

func TestBlocklist_PrefixLenBounds(t *testing.T) {
	b := New(nil)
	assert.Error(t, b.AddPrefix(0, 33, time.Time{}))
	assert.Error(t, b.AddPrefix(0, -1, time.Time{}))
	assert.NoError(t, b.AddPrefix(0, 0, time.Time{}))
}

func TestBlocklist_V6(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	addr := [16]byte{0x20, 0x01, 15: 0x01}
	b.AddV6(addr, clk.Now().Add(time.Minute))
	assert.True(t, b.IsBlockedV6(addr))

	clk.Advance(2 * time.Minute)
	assert.False(t, b.IsBlockedV6(addr))

	b.AddV6(addr, time.Time{})
	b.RemoveV6(addr)
	assert.False(t, b.IsBlockedV6(addr))
}

func TestBlocklist_AddIP(t *testing.T) {
	b := New(nil)

	require.NoError(t, b.AddIP(net.ParseIP("10.0.0.1"), time.Time{}))
	assert.True(t, b.IsBlocked(0x0A000001))

	require.NoError(t, b.AddIP(net.ParseIP("2001:db8::1"), time.Time{}))
	var v6 [16]byte
	copy(v6[:], net.ParseIP("2001:db8::1").To16())
	assert.True(t, b.IsBlockedV6(v6))
}

func TestBlocklist_Sweep(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	b.Add(1, clk.Now().Add(time.Second))
	b.Add(2, clk.Now().Add(time.Hour))
	b.Add(3, time.Time{})
	b.AddV6([16]byte{1}, clk.Now().Add(time.Second))
	require.NoError(t, b.AddPrefix(0x0A000000, 8, clk.Now().Add(time.Second)))

	clk.Advance(time.Minute)
	removed := b.Sweep()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.IsBlocked(2))
	assert.True(t, b.IsBlocked(3))
}

type recordingMirror struct {
	blocks   []uint32
	unblocks []uint32
}

func (m *recordingMirror) OfferBlock(addr uint32, expiry time.Time) {
	m.blocks = append(m.blocks, addr)
}

func (m *recordingMirror) OfferUnblock(addr uint32) {
	m.unblocks = append(m.unblocks, addr)
}

func TestBlocklist_MirrorNotified(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)
	rec := &recordingMirror{}
	b.SetMirror(rec)

	b.Add(0x0A000001, clk.Now().Add(time.Minute))
	b.Add(0x0A000002, time.Time{})
	assert.Equal(t, []uint32{0x0A000001, 0x0A000002}, rec.blocks)

	b.Remove(0x0A000002)
	assert.Equal(t, []uint32{0x0A000002}, rec.unblocks)

	// Prefix and v6 entries never reach the mirror: the kernel map is
	// exact v4 only.
	require.NoError(t, b.AddPrefix(0xC0A80000, 16, time.Time{}))
	b.AddV6([16]byte{0xfd}, time.Time{})
	assert.Len(t, rec.blocks, 2)

	// Swept expirations are unblocked in the kernel map too.
	clk.Advance(2 * time.Minute)
	b.Sweep()
	assert.Equal(t, []uint32{0x0A000002, 0x0A000001}, rec.unblocks)
}

func TestBlocklist_Expiry(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	b := New(clk)

	want := clk.Now().Add(time.Minute)
	b.Add(1, want)

	got, ok := b.Expiry(1)
	require.True(t, ok)
	assert.True(t, got.Equal(want))

	_, ok = b.Expiry(2)
	assert.False(t, ok)
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist()
	assert.False(t, a.Contains(1))

	a.Add(1)
	a.Add(2)
	assert.True(t, a.Contains(1))
	assert.Equal(t, 2, a.Len())

	a.Remove(1)
	assert.False(t, a.Contains(1))
	assert.Equal(t, 1, a.Len())
}
