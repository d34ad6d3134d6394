// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine ties the classification stages into the per-packet
// decision pipeline: parse, allowlist, blocklist, flow cache,
// amplification heuristics, policy match, behavioral scoring, rate
// limiting. Process is a pure synchronous computation, safe to call
// concurrently from one goroutine per receive queue; nothing in it blocks
// or performs I/O.
package engine

import (
	"sync/atomic"

	"grimm.is/breakwater/internal/engine/blocklist"
	"grimm.is/breakwater/internal/engine/flowcache"
	"grimm.is/breakwater/internal/engine/heuristics"
	"grimm.is/breakwater/internal/engine/policy"
	"grimm.is/breakwater/internal/engine/ratelimit"
	"grimm.is/breakwater/internal/engine/scorer"
	"grimm.is/breakwater/internal/engine/stats"
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
)

// Mode selects how verdicts are applied.
type Mode uint8

const (
	// ModeMonitor computes and counts verdicts but never denies.
	ModeMonitor Mode = iota
	// ModeFilter enforces verdicts.
	ModeFilter
	// ModeAggressive enforces verdicts with a lowered behavioral block
	// threshold.
	ModeAggressive
)

func (m Mode) String() string {
	switch m {
	case ModeMonitor:
		return "monitor"
	case ModeFilter:
		return "filter"
	case ModeAggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "monitor":
		return ModeMonitor, nil
	case "filter":
		return ModeFilter, nil
	case "aggressive":
		return ModeAggressive, nil
	default:
		return ModeMonitor, errors.Errorf(errors.KindValidation, "unknown mode %q", s)
	}
}

// Config holds engine-level tunables. Component tunables live with their
// components.
type Config struct {
	Mode Mode

	// DefaultAction applies when no policy matches and the engine is
	// enforcing. Monitor mode always defaults to Allow.
	DefaultAction types.Action

	// AggressiveThreshold replaces the scorer block threshold in
	// aggressive mode.
	AggressiveThreshold uint32

	Workers int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeFilter,
		DefaultAction:       types.ActionAllow,
		AggressiveThreshold: 250,
		Workers:             1,
	}
}

// Engine is the assembled decision pipeline.
type Engine struct {
	cfg Config

	allow   *blocklist.Allowlist
	blocks  *blocklist.Blocklist
	flows   *flowcache.Cache
	amp     *heuristics.Amplification
	rules   *policy.Store
	scores  *scorer.Scorer
	limiter *ratelimit.Limiter
	stats   *stats.Collector

	mode atomic.Int32
}

// New assembles an engine from its stages. All stages are required.
func New(cfg Config, allow *blocklist.Allowlist, blocks *blocklist.Blocklist,
	flows *flowcache.Cache, amp *heuristics.Amplification, rules *policy.Store,
	scores *scorer.Scorer, limiter *ratelimit.Limiter, st *stats.Collector) *Engine {

	e := &Engine{
		cfg:     cfg,
		allow:   allow,
		blocks:  blocks,
		flows:   flows,
		amp:     amp,
		rules:   rules,
		scores:  scores,
		limiter: limiter,
		stats:   st,
	}
	e.SetMode(cfg.Mode)
	return e
}

// Mode returns the current operating mode.
func (e *Engine) Mode() Mode {
	return Mode(e.mode.Load())
}

// SetMode switches the operating mode. Aggressive mode lowers the
// behavioral block threshold; leaving it restores the configured one.
func (e *Engine) SetMode(m Mode) {
	e.mode.Store(int32(m))
	if m == ModeAggressive {
		e.scores.SetBlockThreshold(e.cfg.AggressiveThreshold)
	} else {
		e.scores.SetBlockThreshold(0)
	}
}

// Accessors for the control plane.

func (e *Engine) Allowlist() *blocklist.Allowlist { return e.allow }
func (e *Engine) Blocklist() *blocklist.Blocklist { return e.blocks }
func (e *Engine) Policies() *policy.Store         { return e.rules }
func (e *Engine) FlowCache() *flowcache.Cache     { return e.flows }
func (e *Engine) Scorer() *scorer.Scorer          { return e.scores }
func (e *Engine) Limiter() *ratelimit.Limiter     { return e.limiter }
func (e *Engine) Stats() *stats.Collector         { return e.stats }

// Process classifies one frame and returns the verdict to apply. worker
// selects the caller's statistics shard and must be below cfg.Workers.
func (e *Engine) Process(frame []byte, worker int) types.Verdict {
	pkt, ok := Parse(frame)
	if !ok {
		// Fail open: this layer accelerates the stack, it is not the
		// sole enforcement point.
		e.stats.RecordMalformed(worker, uint64(len(frame)))
		return types.Verdict{Action: types.ActionAllow}
	}
	pktLen := uint64(pkt.Len)
	e.stats.RecordSeen(worker, pktLen, pkt.Key.Proto, pkt.IPv6)

	if pkt.IPv6 {
		return e.processV6(pkt, worker, pktLen)
	}

	if e.allow.Contains(pkt.Key.SrcIP) {
		v := types.Verdict{Action: types.ActionAllow}
		e.stats.RecordVerdict(worker, v, pktLen)
		return v
	}

	if e.blocks.IsBlocked(pkt.Key.SrcIP) {
		return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonBlocklist}, worker, pktLen)
	}

	if d, hit := e.flows.Lookup(pkt.Key); hit {
		d.Touch(pktLen)
		e.stats.RecordCache(worker, true)
		// A cached decision skips classification, not metering:
		// rate-classed flows pay the limiter on every packet.
		if d.RateClass != "" && e.limiter.Check(uint64(pkt.Key.SrcIP), d.RateClass, pktLen) {
			return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonRateLimit}, worker, pktLen)
		}
		v := types.Verdict{Action: d.Action, Reason: d.Reason, RuleID: d.RuleID}
		return e.finish(v, worker, pktLen)
	}
	e.stats.RecordCache(worker, false)

	if _, hit := e.amp.Match(pkt.Key.Proto, pkt.Key.SrcPort, pkt.Len); hit {
		return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonAmplification}, worker, pktLen)
	}

	action := e.cfg.DefaultAction
	reason := types.ReasonNone
	var ruleID, rateClass string
	if rule, matched := e.rules.Match(pkt.Key.DstIP); matched {
		ruleID = rule.RuleID
		rateClass = rule.RateClass
		action = rule.Action
		if rule.Action == types.ActionDeny {
			reason = types.ReasonPolicy
			d := &types.Decision{Action: action, Reason: reason, RuleID: ruleID}
			d.Touch(pktLen)
			e.flows.Insert(pkt.Key, d)
			return e.finish(types.Verdict{Action: action, Reason: reason, RuleID: ruleID}, worker, pktLen)
		}
	}

	// Behavioral denies are not cached: the scorer's blocklist insertion
	// already covers the source, with its own TTL.
	if res := e.scores.Observe(pkt.Key.SrcIP, pktLen, pkt.Key.Proto, pkt.IsSyn); res.Blocked {
		return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonBehavioral}, worker, pktLen)
	}

	// Rate-limit denies are transient and likewise uncached.
	if e.limiter.Check(uint64(pkt.Key.SrcIP), rateClass, pktLen) {
		return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonRateLimit}, worker, pktLen)
	}

	d := &types.Decision{Action: action, Reason: reason, RuleID: ruleID, RateClass: rateClass}
	d.Touch(pktLen)
	e.flows.Insert(pkt.Key, d)
	return e.finish(types.Verdict{Action: action, Reason: reason, RuleID: ruleID}, worker, pktLen)
}

// processV6 handles IPv6 frames, which classify against the exact
// blocklist only and otherwise pass.
func (e *Engine) processV6(pkt Packet, worker int, pktLen uint64) types.Verdict {
	if e.blocks.IsBlockedV6(pkt.SrcV6) {
		return e.finish(types.Verdict{Action: types.ActionDeny, Reason: types.ReasonBlocklist}, worker, pktLen)
	}
	v := types.Verdict{Action: types.ActionAllow}
	e.stats.RecordVerdict(worker, v, pktLen)
	return v
}

// finish records the computed verdict and applies the operating mode:
// monitor mode counts denies but converts them to Allow, preserving the
// reason so callers can still see what would have been dropped.
func (e *Engine) finish(v types.Verdict, worker int, pktLen uint64) types.Verdict {
	e.stats.RecordVerdict(worker, v, pktLen)
	if v.Action == types.ActionDeny && e.Mode() == ModeMonitor {
		return types.Verdict{Action: types.ActionAllow, Reason: v.Reason, RuleID: v.RuleID}
	}
	return v
}
