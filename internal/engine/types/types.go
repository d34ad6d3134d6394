// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package types holds the shared datapath types: flow identity, decisions,
// actions, and drop reasons. Everything here is designed to be cheap to
// copy and safe to touch from concurrent workers.
package types

import (
	"fmt"
	"net"
	"sync/atomic"
)

// FlowKey identifies a unidirectional flow by its 5-tuple. Immutable once
// constructed from a packet; used as a lookup key only.
type FlowKey struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	_       [3]byte // padding keeps the struct 8-byte aligned for hashing
}

// Hash returns a hash of the flow key for shard selection and caching.
func (fk *FlowKey) Hash() uint64 {
	h := uint64(fk.SrcIP)*31 + uint64(fk.DstIP)
	h = h*31 + uint64(fk.SrcPort)
	h = h*31 + uint64(fk.DstPort)
	h = h*31 + uint64(fk.Proto)
	return h
}

// String returns a human-readable representation of the flow key.
func (fk *FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d proto=%d",
		Uint32ToIP(fk.SrcIP), fk.SrcPort,
		Uint32ToIP(fk.DstIP), fk.DstPort,
		fk.Proto)
}

// Action is the terminal verdict for a packet.
type Action uint8

const (
	ActionAllow    Action = 0
	ActionDeny     Action = 1
	ActionInspect  Action = 2
	ActionRedirect Action = 3
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionInspect:
		return "inspect"
	case ActionRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	case "inspect":
		return ActionInspect, nil
	case "redirect":
		return ActionRedirect, nil
	default:
		return ActionAllow, fmt.Errorf("unknown action %q", s)
	}
}

// Reason records why a packet was denied (or flagged).
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonBlocklist
	ReasonAmplification
	ReasonPolicy
	ReasonBehavioral
	ReasonRateLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonBlocklist:
		return "blocklist"
	case ReasonAmplification:
		return "amplification"
	case ReasonPolicy:
		return "policy"
	case ReasonBehavioral:
		return "behavioral"
	case ReasonRateLimit:
		return "rate_limit"
	default:
		return "none"
	}
}

// Decision is a cached classification for a flow. Counters are advanced
// atomically on every cache hit so concurrent workers steered to the same
// flow never lose updates.
type Decision struct {
	Action    Action
	Reason    Reason
	RuleID    string
	RateClass string
	Packets   atomic.Uint64
	Bytes     atomic.Uint64
}

// Touch records one packet against the cached decision.
func (d *Decision) Touch(bytes uint64) {
	d.Packets.Add(1)
	d.Bytes.Add(bytes)
}

// Verdict is the result of classifying one packet.
type Verdict struct {
	Action Action
	Reason Reason
	RuleID string
}

// IP protocol numbers the datapath cares about.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// IPToUint32 converts an IPv4 address to its host-order uint32 form.
// Returns false for non-IPv4 addresses.
func IPToUint32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), true
}

// Uint32ToIP converts a host-order uint32 back to a net.IP.
func Uint32ToIP(ip uint32) net.IP {
	return net.IPv4(
		byte(ip>>24),
		byte(ip>>16),
		byte(ip>>8),
		byte(ip),
	)
}
