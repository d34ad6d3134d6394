// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stats counts what the datapath does. Counters are sharded per
// worker so the hot path never shares a cache line between cores; readers
// aggregate the shards on demand.
package stats

import (
	"sync/atomic"

	"grimm.is/breakwater/internal/engine/types"
)

// reasonSlots sizes the per-reason arrays. Must cover every types.Reason.
const reasonSlots = int(types.ReasonRateLimit) + 1

// workerCounters is one worker's private slice of the totals. The padding
// keeps adjacent workers out of each other's cache lines.
type workerCounters struct {
	seenPackets   atomic.Uint64
	seenBytes     atomic.Uint64
	passedPackets atomic.Uint64
	passedBytes   atomic.Uint64
	dropPackets   atomic.Uint64
	dropBytes     atomic.Uint64
	inspected     atomic.Uint64
	redirected    atomic.Uint64
	malformed     atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64

	byReason [reasonSlots]atomic.Uint64

	tcpPackets  atomic.Uint64
	udpPackets  atomic.Uint64
	icmpPackets atomic.Uint64
	v6Packets   atomic.Uint64

	_ [24]byte
}

// Collector aggregates per-worker counters.
type Collector struct {
	workers []workerCounters
}

// NewCollector creates counters for n workers. Worker indexes passed to
// the record methods must stay below n.
func NewCollector(n int) *Collector {
	if n <= 0 {
		n = 1
	}
	return &Collector{workers: make([]workerCounters, n)}
}

// Workers returns the number of worker shards.
func (c *Collector) Workers() int { return len(c.workers) }

// RecordSeen counts an arriving frame before any decision is made.
func (c *Collector) RecordSeen(worker int, pktLen uint64, proto uint8, ipv6 bool) {
	w := &c.workers[worker]
	w.seenPackets.Add(1)
	w.seenBytes.Add(pktLen)
	if ipv6 {
		w.v6Packets.Add(1)
	}
	switch proto {
	case types.ProtoTCP:
		w.tcpPackets.Add(1)
	case types.ProtoUDP:
		w.udpPackets.Add(1)
	case types.ProtoICMP:
		w.icmpPackets.Add(1)
	}
}

// RecordVerdict counts the outcome of a decision.
func (c *Collector) RecordVerdict(worker int, v types.Verdict, pktLen uint64) {
	w := &c.workers[worker]
	switch v.Action {
	case types.ActionAllow:
		w.passedPackets.Add(1)
		w.passedBytes.Add(pktLen)
	case types.ActionDeny:
		w.dropPackets.Add(1)
		w.dropBytes.Add(pktLen)
	case types.ActionInspect:
		w.inspected.Add(1)
		w.passedPackets.Add(1)
		w.passedBytes.Add(pktLen)
	case types.ActionRedirect:
		w.redirected.Add(1)
	}
	if int(v.Reason) < reasonSlots {
		w.byReason[v.Reason].Add(1)
	}
}

// RecordMalformed counts a frame the parser could not make sense of.
// Malformed frames pass through, so they count as passed too.
func (c *Collector) RecordMalformed(worker int, pktLen uint64) {
	w := &c.workers[worker]
	w.seenPackets.Add(1)
	w.seenBytes.Add(pktLen)
	w.malformed.Add(1)
	w.passedPackets.Add(1)
	w.passedBytes.Add(pktLen)
}

// RecordCache counts a flow-cache lookup result.
func (c *Collector) RecordCache(worker int, hit bool) {
	if hit {
		c.workers[worker].cacheHits.Add(1)
	} else {
		c.workers[worker].cacheMisses.Add(1)
	}
}

// Snapshot is an aggregated, consistent-enough view of the counters.
// Shards are read without stopping writers, so totals may straddle a few
// in-flight packets; that is fine for monitoring.
type Snapshot struct {
	SeenPackets   uint64 `json:"seen_packets"`
	SeenBytes     uint64 `json:"seen_bytes"`
	PassedPackets uint64 `json:"passed_packets"`
	PassedBytes   uint64 `json:"passed_bytes"`
	DropPackets   uint64 `json:"dropped_packets"`
	DropBytes     uint64 `json:"dropped_bytes"`
	Inspected     uint64 `json:"inspected_packets"`
	Redirected    uint64 `json:"redirected_packets"`
	Malformed     uint64 `json:"malformed_packets"`
	CacheHits     uint64 `json:"cache_hits"`
	CacheMisses   uint64 `json:"cache_misses"`

	ByReason map[string]uint64 `json:"by_reason"`

	TCPPackets  uint64 `json:"tcp_packets"`
	UDPPackets  uint64 `json:"udp_packets"`
	ICMPPackets uint64 `json:"icmp_packets"`
	IPv6Packets uint64 `json:"ipv6_packets"`
}

// Aggregate sums all worker shards.
func (c *Collector) Aggregate() Snapshot {
	s := Snapshot{ByReason: make(map[string]uint64, reasonSlots)}
	for i := range c.workers {
		w := &c.workers[i]
		s.SeenPackets += w.seenPackets.Load()
		s.SeenBytes += w.seenBytes.Load()
		s.PassedPackets += w.passedPackets.Load()
		s.PassedBytes += w.passedBytes.Load()
		s.DropPackets += w.dropPackets.Load()
		s.DropBytes += w.dropBytes.Load()
		s.Inspected += w.inspected.Load()
		s.Redirected += w.redirected.Load()
		s.Malformed += w.malformed.Load()
		s.CacheHits += w.cacheHits.Load()
		s.CacheMisses += w.cacheMisses.Load()
		s.TCPPackets += w.tcpPackets.Load()
		s.UDPPackets += w.udpPackets.Load()
		s.ICMPPackets += w.icmpPackets.Load()
		s.IPv6Packets += w.v6Packets.Load()

		for r := 1; r < reasonSlots; r++ {
			if n := w.byReason[r].Load(); n > 0 {
				s.ByReason[types.Reason(r).String()] += n
			}
		}
	}
	return s
}
