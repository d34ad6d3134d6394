// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy implements the longest-prefix-match policy table populated
// by the external policy compiler. The table is write-mostly: updates are
// rare and come from the control plane, while lookups run on every
// cache-miss packet. Writers build a fresh immutable trie and swap it in
// with a single atomic pointer store, so readers never observe a partially
// written entry and are never blocked.
package policy

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
)

// Rule is one policy entry, keyed by RuleID for idempotent replace/remove.
type Rule struct {
	RuleID       string       `json:"rule_id"`
	Prefix       uint32       `json:"prefix"`
	PrefixLen    int          `json:"prefix_len"`
	Action       types.Action `json:"action"`
	InspectLevel uint8        `json:"inspect_level"`
	RateClass    string       `json:"rate_class,omitempty"`
}

// ParseCIDR builds the prefix fields of a rule from CIDR notation.
func ParseCIDR(cidr string) (prefix uint32, prefixLen int, err error) {
	_, ipnet, perr := net.ParseCIDR(cidr)
	if perr != nil {
		return 0, 0, errors.Wrapf(perr, errors.KindValidation, "invalid CIDR %q", cidr)
	}
	v4, ok := types.IPToUint32(ipnet.IP)
	if !ok {
		return 0, 0, errors.Errorf(errors.KindValidation, "policy prefixes must be IPv4: %q", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return 0, 0, errors.Errorf(errors.KindValidation, "policy prefixes must be IPv4: %q", cidr)
	}
	return v4, ones, nil
}

// Store is the concurrent policy table.
type Store struct {
	writeMu sync.Mutex
	rules   map[string]Rule
	table   atomic.Pointer[node]
}

// node is one level of the immutable lookup trie. A trie is never mutated
// after publication; updates build a replacement from the rule set.
type node struct {
	children [2]*node
	rule     *Rule
}

// NewStore creates an empty policy store.
func NewStore() *Store {
	s := &Store{rules: make(map[string]Rule)}
	s.table.Store(&node{})
	return s
}

// Match returns the policy covering the destination address with the
// longest matching prefix. Ties between rules on the identical prefix are
// broken by lexicographically smallest rule ID, which is deterministic but
// carries no policy meaning.
func (s *Store) Match(dst uint32) (*Rule, bool) {
	n := s.table.Load()
	var best *Rule
	for i := 0; i < 32; i++ {
		if n.rule != nil {
			best = n.rule
		}
		bit := (dst >> (31 - i)) & 1
		if n.children[bit] == nil {
			break
		}
		n = n.children[bit]
	}
	if n.rule != nil {
		best = n.rule
	}
	return best, best != nil
}

// Upsert inserts or replaces the rule with the same RuleID. The update is
// atomic: concurrent lookups see either the old table or the new one.
func (s *Store) Upsert(r Rule) error {
	if r.RuleID == "" {
		return errors.New(errors.KindValidation, "rule ID is required")
	}
	if r.PrefixLen < 0 || r.PrefixLen > 32 {
		return errors.Errorf(errors.KindValidation, "invalid prefix length %d", r.PrefixLen)
	}
	if r.Action > types.ActionRedirect {
		return errors.Errorf(errors.KindValidation, "invalid action %d", r.Action)
	}

	s.writeMu.Lock()
	s.rules[r.RuleID] = r
	s.table.Store(build(s.rules))
	s.writeMu.Unlock()
	return nil
}

// Remove deletes a rule by ID. Removing an unknown rule is an error so the
// external updater can detect drift.
func (s *Store) Remove(ruleID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := s.rules[ruleID]; !ok {
		return errors.Errorf(errors.KindNotFound, "unknown rule %q", ruleID)
	}
	delete(s.rules, ruleID)
	s.table.Store(build(s.rules))
	return nil
}

// Replace swaps the entire rule set in one atomic update.
func (s *Store) Replace(rules []Rule) error {
	next := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.RuleID == "" {
			return errors.New(errors.KindValidation, "rule ID is required")
		}
		if r.PrefixLen < 0 || r.PrefixLen > 32 {
			return errors.Errorf(errors.KindValidation, "invalid prefix length %d", r.PrefixLen)
		}
		next[r.RuleID] = r
	}

	s.writeMu.Lock()
	s.rules = next
	s.table.Store(build(s.rules))
	s.writeMu.Unlock()
	return nil
}

// Get returns a rule by ID.
func (s *Store) Get(ruleID string) (Rule, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	r, ok := s.rules[ruleID]
	return r, ok
}

// List returns all rules sorted by rule ID.
func (s *Store) List() []Rule {
	s.writeMu.Lock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.writeMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Len returns the number of rules.
func (s *Store) Len() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return len(s.rules)
}

// build constructs a fresh trie from the rule set. Rules are inserted in
// rule-ID order so the winner on an identical prefix is stable.
func build(rules map[string]Rule) *node {
	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	root := &node{}
	for _, id := range ids {
		r := rules[id]
		n := root
		for i := 0; i < r.PrefixLen; i++ {
			bit := (r.Prefix >> (31 - i)) & 1
			if n.children[bit] == nil {
				n.children[bit] = &node{}
			}
			n = n.children[bit]
		}
		rc := r
		n.rule = &rc
	}
	return root
}
