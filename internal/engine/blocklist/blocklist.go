// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package blocklist implements the deny store consulted first on every
// packet: an exact-match table for single addresses and a longest-prefix
// trie for network blocks. Entries carry an expiry and are treated as
// absent once it passes; expired exact entries are removed opportunistically
// on read, so no background sweep is required for correctness.
package blocklist

import (
	"net"
	"sync"
	"time"

	"grimm.is/breakwater/internal/clock"
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
)

// Mirror receives exact IPv4 entry changes as they happen, typically the
// kernel map mirror. Implementations must not block; they are called from
// the datapath when the scorer inserts automatic blocks.
type Mirror interface {
	OfferBlock(addr uint32, expiry time.Time)
	OfferUnblock(addr uint32)
}

// Blocklist is the combined exact + prefix deny store. Reads are O(1)
// amortized for exact matches and O(prefix bits) for the trie; both are
// safe for concurrent use from all workers.
type Blocklist struct {
	mu      sync.RWMutex
	exact   map[uint32]time.Time
	exactV6 map[[16]byte]time.Time
	trie    *trieNode
	clk     clock.Clock
	mirror  Mirror
}

// New creates an empty blocklist using the given clock for expiry checks.
func New(clk clock.Clock) *Blocklist {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Blocklist{
		exact:   make(map[uint32]time.Time),
		exactV6: make(map[[16]byte]time.Time),
		trie:    &trieNode{},
		clk:     clk,
	}
}

// IsBlocked reports whether the source address has an unexpired block.
// The exact table is checked before the prefix trie.
func (b *Blocklist) IsBlocked(addr uint32) bool {
	now := b.clk.Now()

	b.mu.RLock()
	expiry, ok := b.exact[addr]
	if ok && (expiry.IsZero() || now.Before(expiry)) {
		b.mu.RUnlock()
		return true
	}
	trieHit := b.trie.lookup(addr, now)
	b.mu.RUnlock()

	if ok && !expiry.IsZero() && !now.Before(expiry) {
		// Expired entry observed under the read lock; remove it lazily.
		b.mu.Lock()
		if cur, still := b.exact[addr]; still && cur.Equal(expiry) {
			delete(b.exact, addr)
		}
		b.mu.Unlock()
	}

	return trieHit
}

// IsBlockedV6 reports whether an IPv6 source has an unexpired exact block.
// Network-level IPv6 blocks are not supported; the v6 table is exact-match
// only.
func (b *Blocklist) IsBlockedV6(addr [16]byte) bool {
	now := b.clk.Now()

	b.mu.RLock()
	expiry, ok := b.exactV6[addr]
	b.mu.RUnlock()

	if !ok {
		return false
	}
	if expiry.IsZero() || now.Before(expiry) {
		return true
	}

	b.mu.Lock()
	if cur, still := b.exactV6[addr]; still && cur.Equal(expiry) {
		delete(b.exactV6, addr)
	}
	b.mu.Unlock()
	return false
}

// SetMirror registers a change listener for exact IPv4 entries. Call
// before the datapath starts; prefix and IPv6 entries are not mirrored.
func (b *Blocklist) SetMirror(m Mirror) {
	b.mirror = m
}

// Add blocks a single IPv4 address until expiry. A zero expiry blocks
// indefinitely (until removed).
func (b *Blocklist) Add(addr uint32, expiry time.Time) {
	b.mu.Lock()
	b.exact[addr] = expiry
	b.mu.Unlock()
	if b.mirror != nil {
		b.mirror.OfferBlock(addr, expiry)
	}
}

// AddV6 blocks a single IPv6 address until expiry.
func (b *Blocklist) AddV6(addr [16]byte, expiry time.Time) {
	b.mu.Lock()
	b.exactV6[addr] = expiry
	b.mu.Unlock()
}

// AddPrefix blocks an IPv4 network. Prefix length must be in [0, 32].
func (b *Blocklist) AddPrefix(addr uint32, prefixLen int, expiry time.Time) error {
	if prefixLen < 0 || prefixLen > 32 {
		return errors.Errorf(errors.KindValidation, "invalid prefix length %d", prefixLen)
	}
	b.mu.Lock()
	b.trie.insert(addr, prefixLen, expiry)
	b.mu.Unlock()
	return nil
}

// Remove deletes an exact IPv4 block if present.
func (b *Blocklist) Remove(addr uint32) {
	b.mu.Lock()
	delete(b.exact, addr)
	b.mu.Unlock()
	if b.mirror != nil {
		b.mirror.OfferUnblock(addr)
	}
}

// RemoveV6 deletes an exact IPv6 block if present.
func (b *Blocklist) RemoveV6(addr [16]byte) {
	b.mu.Lock()
	delete(b.exactV6, addr)
	b.mu.Unlock()
}

// RemovePrefix deletes a network block if present.
func (b *Blocklist) RemovePrefix(addr uint32, prefixLen int) {
	b.mu.Lock()
	b.trie.remove(addr, prefixLen)
	b.mu.Unlock()
}

// AddIP blocks a parsed address of either family.
func (b *Blocklist) AddIP(ip net.IP, expiry time.Time) error {
	if v4, ok := types.IPToUint32(ip); ok {
		b.Add(v4, expiry)
		return nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return errors.Errorf(errors.KindValidation, "invalid address %q", ip)
	}
	var key [16]byte
	copy(key[:], v6)
	b.AddV6(key, expiry)
	return nil
}

// Len returns the number of exact entries (both families), including any
// not yet lazily expired.
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.exact) + len(b.exactV6)
}

// Expiry returns the expiry for an exact IPv4 entry. The second return is
// false when no entry exists.
func (b *Blocklist) Expiry(addr uint32) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	exp, ok := b.exact[addr]
	return exp, ok
}

// Sweep removes all expired entries. Called periodically by the control
// plane janitor; the datapath never depends on it.
func (b *Blocklist) Sweep() int {
	now := b.clk.Now()
	removed := 0
	var swept []uint32

	b.mu.Lock()
	for addr, expiry := range b.exact {
		if !expiry.IsZero() && !now.Before(expiry) {
			delete(b.exact, addr)
			swept = append(swept, addr)
			removed++
		}
	}
	for addr, expiry := range b.exactV6 {
		if !expiry.IsZero() && !now.Before(expiry) {
			delete(b.exactV6, addr)
			removed++
		}
	}
	removed += b.trie.sweep(now)
	b.mu.Unlock()

	if b.mirror != nil {
		for _, addr := range swept {
			b.mirror.OfferUnblock(addr)
		}
	}
	return removed
}
