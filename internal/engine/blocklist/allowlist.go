// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package blocklist

import "sync"

// Allowlist is an exact-match set of trusted source addresses. A hit
// short-circuits the whole pipeline to Allow, before even the blocklist,
// so operator-pinned infrastructure can never be auto-mitigated.
type Allowlist struct {
	mu    sync.RWMutex
	addrs map[uint32]struct{}
}

// NewAllowlist creates an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{addrs: make(map[uint32]struct{})}
}

// Contains reports whether the address is allowlisted.
func (a *Allowlist) Contains(addr uint32) bool {
	a.mu.RLock()
	_, ok := a.addrs[addr]
	a.mu.RUnlock()
	return ok
}

// Add inserts an address.
func (a *Allowlist) Add(addr uint32) {
	a.mu.Lock()
	a.addrs[addr] = struct{}{}
	a.mu.Unlock()
}

// Remove deletes an address.
func (a *Allowlist) Remove(addr uint32) {
	a.mu.Lock()
	delete(a.addrs, addr)
	a.mu.Unlock()
}

// Len returns the number of allowlisted addresses.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.addrs)
}
