// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scorer maintains bounded per-source behavioral statistics and
// derives a threat score from packet, SYN, and UDP rates. Scoring is O(1)
// per packet: only running counters and elapsed time are kept, never
// per-packet history. When a source's score crosses the block threshold it
// is inserted into the blocklist with a limited TTL, closing the
// automatic-mitigation loop.
package scorer

import (
	"sync"
	"time"

	"grimm.is/breakwater/internal/clock"
	"grimm.is/breakwater/internal/engine/blocklist"
	"grimm.is/breakwater/internal/engine/lru"
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
)

// Tier awards points when a rate meets or exceeds Rate. Tiers are
// cumulative: a rate above several tiers collects all their points, so the
// score grows monotonically with the rate.
type Tier struct {
	Rate   uint64 `hcl:"rate" json:"rate"`
	Points uint32 `hcl:"points" json:"points"`
}

// Config for the scorer. The numeric defaults mirror the tiers the
// datapath originally shipped with; none of them are load-bearing beyond
// "score rises with rate", and all are operator-tunable.
type Config struct {
	PPSTiers       []Tier        `hcl:"pps_tier,block" json:"pps_tiers,omitempty"`
	SYNTiers       []Tier        `hcl:"syn_tier,block" json:"syn_tiers,omitempty"`
	UDPTiers       []Tier        `hcl:"udp_tier,block" json:"udp_tiers,omitempty"`
	BlockThreshold uint32        `hcl:"block_threshold,optional" json:"block_threshold"`
	BlockTTL       time.Duration `json:"block_ttl"`
	MaxSources     int           `hcl:"max_sources,optional" json:"max_sources"`
	Shards         int           `hcl:"shards,optional" json:"shards"`

	// BlockTTLSeconds is the HCL-facing form of BlockTTL.
	BlockTTLSeconds int `hcl:"block_ttl_seconds,optional" json:"-"`
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		PPSTiers: []Tier{
			{Rate: 10000, Points: 200},
			{Rate: 50000, Points: 300},
			{Rate: 100000, Points: 500},
		},
		SYNTiers: []Tier{
			{Rate: 100, Points: 100},
			{Rate: 1000, Points: 200},
			{Rate: 5000, Points: 300},
		},
		UDPTiers: []Tier{
			{Rate: 10000, Points: 100},
			{Rate: 50000, Points: 300},
		},
		BlockThreshold: 500,
		BlockTTL:       60 * time.Second,
		MaxSources:     1000000,
		Shards:         64,
	}
}

// Validate rejects configurations the scorer cannot enforce.
func (c Config) Validate() error {
	if c.BlockThreshold == 0 {
		return errors.New(errors.KindValidation, "block threshold must be positive")
	}
	if c.BlockTTL <= 0 {
		return errors.New(errors.KindValidation, "block TTL must be positive")
	}
	for _, tiers := range [][]Tier{c.PPSTiers, c.SYNTiers, c.UDPTiers} {
		var prev uint64
		for _, t := range tiers {
			if t.Rate <= prev {
				return errors.New(errors.KindValidation, "score tiers must have strictly increasing rates")
			}
			prev = t.Rate
		}
	}
	return nil
}

// SourceStats are the running counters for one source address.
type SourceStats struct {
	mu        sync.Mutex
	Packets   uint64
	Bytes     uint64
	SynCount  uint64
	UdpCount  uint64
	FirstSeen time.Time
	LastSeen  time.Time
	Score     uint32
}

// Result of one observation.
type Result struct {
	Blocked bool
	Score   uint32
}

// Scorer scores sources and feeds the blocklist.
type Scorer struct {
	cfg     Config
	sources *lru.Map[*SourceStats]
	blocks  *blocklist.Blocklist
	clk     clock.Clock

	// Threshold override for aggressive mode; 0 means use cfg.
	thresholdMu sync.RWMutex
	threshold   uint32
}

// New creates a scorer that inserts automatic blocks into blocks.
func New(cfg Config, blocks *blocklist.Blocklist, clk clock.Clock) (*Scorer, error) {
	if cfg.BlockTTL == 0 && cfg.BlockTTLSeconds > 0 {
		cfg.BlockTTL = time.Duration(cfg.BlockTTLSeconds) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = DefaultConfig().MaxSources
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	return &Scorer{
		cfg:     cfg,
		sources: lru.NewMap[*SourceStats](cfg.MaxSources, cfg.Shards),
		blocks:  blocks,
		clk:     clk,
	}, nil
}

// SetBlockThreshold overrides the configured threshold, used by the
// aggressive mode ladder. Zero restores the configured value.
func (s *Scorer) SetBlockThreshold(t uint32) {
	s.thresholdMu.Lock()
	s.threshold = t
	s.thresholdMu.Unlock()
}

func (s *Scorer) blockThreshold() uint32 {
	s.thresholdMu.RLock()
	t := s.threshold
	s.thresholdMu.RUnlock()
	if t == 0 {
		return s.cfg.BlockThreshold
	}
	return t
}

// Observe records one packet from src and recomputes its threat score.
// When the score crosses the block threshold the source is blocklisted for
// the configured TTL and the result reports Blocked.
func (s *Scorer) Observe(src uint32, pktLen uint64, proto uint8, isSyn bool) Result {
	now := s.clk.Now()

	st := s.sources.GetOrCreate(uint64(src), func() *SourceStats {
		return &SourceStats{FirstSeen: now}
	})

	st.mu.Lock()
	st.Packets++
	st.Bytes += pktLen
	st.LastSeen = now
	if isSyn {
		st.SynCount++
	}
	if proto == types.ProtoUDP {
		st.UdpCount++
	}

	elapsed := now.Sub(st.FirstSeen)

	score := scoreTiers(s.cfg.PPSTiers, perSecond(st.Packets, elapsed))
	score += scoreTiers(s.cfg.SYNTiers, perSecond(st.SynCount, elapsed))
	score += scoreTiers(s.cfg.UDPTiers, perSecond(st.UdpCount, elapsed))
	st.Score = score
	st.mu.Unlock()

	if score >= s.blockThreshold() {
		s.blocks.Add(src, now.Add(s.cfg.BlockTTL))
		return Result{Blocked: true, Score: score}
	}
	return Result{Blocked: false, Score: score}
}

// Lookup returns a copy of the stats for a source, if tracked.
func (s *Scorer) Lookup(src uint32) (SourceStats, bool) {
	st, ok := s.sources.Get(uint64(src))
	if !ok {
		return SourceStats{}, false
	}
	st.mu.Lock()
	cp := SourceStats{
		Packets:   st.Packets,
		Bytes:     st.Bytes,
		SynCount:  st.SynCount,
		UdpCount:  st.UdpCount,
		FirstSeen: st.FirstSeen,
		LastSeen:  st.LastSeen,
		Score:     st.Score,
	}
	st.mu.Unlock()
	return cp, true
}

// Tracked returns the number of sources currently tracked.
func (s *Scorer) Tracked() int {
	return s.sources.Len()
}

func perSecond(count uint64, elapsed time.Duration) uint64 {
	// Sources younger than a second are rated as if they had lived a full
	// second. Extrapolating sub-second lifetimes instead would score the
	// first packet of every new source at an absurd rate.
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return count / uint64(elapsed/time.Second)
}

func scoreTiers(tiers []Tier, rate uint64) uint32 {
	var score uint32
	for _, t := range tiers {
		if rate >= t.Rate {
			score += t.Points
		}
	}
	return score
}
