// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package heuristics holds stateless per-packet checks that need no flow
// state, currently the reflection/amplification detector: UDP traffic
// sourced from well-known amplifier service ports above a per-service size
// threshold is the signature of reflected attack traffic.
package heuristics

import (
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
)

// AmplificationRule flags UDP packets whose source port is Port and whose
// length exceeds MinSize; a packet exactly at the threshold passes.
// MinSize zero flags every packet from the port; legitimate clients have
// no business receiving from such ports at all (chargen).
type AmplificationRule struct {
	Port    uint16 `hcl:"port" json:"port"`
	MinSize uint16 `hcl:"min_size,optional" json:"min_size"`
	Service string `hcl:"service,optional" json:"service,omitempty"`
}

// DefaultAmplificationRules covers the commonly abused reflection
// services.
func DefaultAmplificationRules() []AmplificationRule {
	return []AmplificationRule{
		{Port: 19, MinSize: 0, Service: "chargen"},
		{Port: 53, MinSize: 512, Service: "dns"},
		{Port: 123, MinSize: 200, Service: "ntp"},
		{Port: 161, MinSize: 200, Service: "snmp"},
		{Port: 389, MinSize: 500, Service: "ldap"},
		{Port: 1900, MinSize: 200, Service: "ssdp"},
		{Port: 11211, MinSize: 100, Service: "memcached"},
		{Port: 27015, MinSize: 500, Service: "steam"},
	}
}

// Amplification is an immutable port table built once at config time; the
// hot path reads it without locking.
type Amplification struct {
	rules map[uint16]AmplificationRule
}

// NewAmplification builds a detector from rules. Duplicate ports are
// rejected so the config cannot silently shadow itself.
func NewAmplification(rules []AmplificationRule) (*Amplification, error) {
	m := make(map[uint16]AmplificationRule, len(rules))
	for _, r := range rules {
		if r.Port == 0 {
			return nil, errors.New(errors.KindValidation, "amplification rule port must be nonzero")
		}
		if _, dup := m[r.Port]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate amplification rule for port %d", r.Port)
		}
		m[r.Port] = r
	}
	return &Amplification{rules: m}, nil
}

// Match reports whether a packet looks like reflected amplification
// traffic, and from which service. Only UDP is ever flagged.
func (a *Amplification) Match(proto uint8, srcPort uint16, pktLen uint16) (string, bool) {
	if proto != types.ProtoUDP {
		return "", false
	}
	r, ok := a.rules[srcPort]
	if !ok {
		return "", false
	}
	if r.MinSize == 0 || pktLen > r.MinSize {
		return r.Service, true
	}
	return "", false
}

// Rules returns the configured rule set, for the control plane.
func (a *Amplification) Rules() []AmplificationRule {
	out := make([]AmplificationRule, 0, len(a.rules))
	for _, r := range a.rules {
		out = append(out, r)
	}
	return out
}
