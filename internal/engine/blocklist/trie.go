// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package blocklist

import "time"

// trieNode is one node of a binary trie over IPv4 prefixes, most
// significant bit first. Lookup walks at most 32 levels and remembers the
// deepest unexpired terminal node, giving longest-prefix-match semantics.
// Callers hold the Blocklist lock; the trie itself is not synchronized.
type trieNode struct {
	children [2]*trieNode
	terminal bool
	expiry   time.Time
}

func (n *trieNode) insert(addr uint32, prefixLen int, expiry time.Time) {
	node := n
	for i := 0; i < prefixLen; i++ {
		bit := (addr >> (31 - i)) & 1
		if node.children[bit] == nil {
			node.children[bit] = &trieNode{}
		}
		node = node.children[bit]
	}
	node.terminal = true
	node.expiry = expiry
}

func (n *trieNode) lookup(addr uint32, now time.Time) bool {
	node := n
	matched := false
	for i := 0; i < 32; i++ {
		if node.terminal && (node.expiry.IsZero() || now.Before(node.expiry)) {
			matched = true
		}
		bit := (addr >> (31 - i)) & 1
		if node.children[bit] == nil {
			return matched
		}
		node = node.children[bit]
	}
	if node.terminal && (node.expiry.IsZero() || now.Before(node.expiry)) {
		matched = true
	}
	return matched
}

func (n *trieNode) remove(addr uint32, prefixLen int) {
	node := n
	for i := 0; i < prefixLen; i++ {
		bit := (addr >> (31 - i)) & 1
		if node.children[bit] == nil {
			return
		}
		node = node.children[bit]
	}
	node.terminal = false
	node.expiry = time.Time{}
}

// sweep clears expired terminal markers and prunes empty subtrees.
// Returns the number of entries cleared.
func (n *trieNode) sweep(now time.Time) int {
	cleared := 0
	for i, child := range n.children {
		if child == nil {
			continue
		}
		cleared += child.sweep(now)
		if !child.terminal && child.children[0] == nil && child.children[1] == nil {
			n.children[i] = nil
		}
	}
	if n.terminal && !n.expiry.IsZero() && !now.Before(n.expiry) {
		n.terminal = false
		n.expiry = time.Time{}
		cleared++
	}
	return cleared
}
