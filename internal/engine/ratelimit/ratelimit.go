// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ratelimit enforces per-key packet and byte ceilings for policy
// rate classes. The default algorithm is a fixed one-second window with
// reset on rollover, trading smoothness for an O(1) hot path; classes may
// opt into a token bucket for burst-tolerant smoothing instead. A key with
// no configured class passes unconditionally.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/breakwater/internal/clock"
	"grimm.is/breakwater/internal/engine/lru"
	"grimm.is/breakwater/internal/errors"
)

// Algorithm selects how a class meters traffic.
const (
	AlgorithmWindow      = "window"
	AlgorithmTokenBucket = "token_bucket"
)

// ClassLimit configures the ceilings for one rate class. Zero means
// unlimited for that dimension.
type ClassLimit struct {
	Name      string `hcl:"name,label" json:"name"`
	PPS       uint64 `hcl:"pps,optional" json:"pps"`
	BPS       uint64 `hcl:"bps,optional" json:"bps"`
	Algorithm string `hcl:"algorithm,optional" json:"algorithm,omitempty"`
	Burst     int    `hcl:"burst,optional" json:"burst,omitempty"`
}

// Validate checks a class definition at the configuration boundary.
func (c ClassLimit) Validate() error {
	if c.Name == "" {
		return errors.New(errors.KindValidation, "rate class name is required")
	}
	switch c.Algorithm {
	case "", AlgorithmWindow, AlgorithmTokenBucket:
	default:
		return errors.Errorf(errors.KindValidation, "unknown rate algorithm %q", c.Algorithm)
	}
	return nil
}

// Config for the limiter.
type Config struct {
	MaxKeys int `hcl:"max_keys,optional" json:"max_keys"`
	Shards  int `hcl:"shards,optional" json:"shards"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		MaxKeys: 100000,
		Shards:  64,
	}
}

// windowState is the per-key fixed-window counter set.
type windowState struct {
	mu          sync.Mutex
	packets     uint64
	bytes       uint64
	windowStart time.Time
}

// bucketState is the per-key token-bucket pair.
type bucketState struct {
	pps *rate.Limiter
	bps *rate.Limiter
}

// Limiter meters traffic per key and class. Per-key state is created
// lazily on the first packet needing a check and bounded by LRU eviction.
type Limiter struct {
	mu      sync.RWMutex
	classes map[string]ClassLimit

	windows *lru.Map[*windowState]
	buckets *lru.Map[*bucketState]
	clk     clock.Clock
}

// New creates a limiter with the given classes.
func New(cfg Config, classes []ClassLimit, clk clock.Clock) (*Limiter, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultConfig().MaxKeys
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}

	byName := make(map[string]ClassLimit, len(classes))
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		byName[c.Name] = c
	}

	return &Limiter{
		classes: byName,
		windows: lru.NewMap[*windowState](cfg.MaxKeys, cfg.Shards),
		buckets: lru.NewMap[*bucketState](cfg.MaxKeys, cfg.Shards),
		clk:     clk,
	}, nil
}

// SetClass installs or replaces a class definition at runtime. Existing
// per-key state keeps its old ceilings until recreated; new keys pick up
// the new definition immediately.
func (l *Limiter) SetClass(c ClassLimit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.classes[c.Name] = c
	l.mu.Unlock()
	return nil
}

// Check records one packet of pktLen bytes against the key's class and
// reports true when the key is over its limit. Unknown or empty classes
// never limit.
func (l *Limiter) Check(key uint64, class string, pktLen uint64) bool {
	if class == "" {
		return false
	}

	l.mu.RLock()
	limit, ok := l.classes[class]
	l.mu.RUnlock()
	if !ok || (limit.PPS == 0 && limit.BPS == 0) {
		return false
	}

	if limit.Algorithm == AlgorithmTokenBucket {
		return l.checkBucket(key, limit, pktLen)
	}
	return l.checkWindow(key, limit, pktLen)
}

func (l *Limiter) checkWindow(key uint64, limit ClassLimit, pktLen uint64) bool {
	now := l.clk.Now()

	st := l.windows.GetOrCreate(key, func() *windowState {
		return &windowState{windowStart: now}
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	if now.Sub(st.windowStart) >= time.Second {
		st.packets = 0
		st.bytes = 0
		st.windowStart = now
	}

	if limit.PPS > 0 && st.packets >= limit.PPS {
		return true
	}
	if limit.BPS > 0 && st.bytes >= limit.BPS {
		return true
	}

	st.packets++
	st.bytes += pktLen
	return false
}

func (l *Limiter) checkBucket(key uint64, limit ClassLimit, pktLen uint64) bool {
	now := l.clk.Now()

	st := l.buckets.GetOrCreate(key, func() *bucketState {
		burst := limit.Burst
		if burst <= 0 {
			burst = int(limit.PPS)
			if burst <= 0 {
				burst = 1
			}
		}
		b := &bucketState{}
		if limit.PPS > 0 {
			b.pps = rate.NewLimiter(rate.Limit(limit.PPS), burst)
		}
		if limit.BPS > 0 {
			byteBurst := int(limit.BPS)
			if byteBurst <= 0 {
				byteBurst = 1
			}
			b.bps = rate.NewLimiter(rate.Limit(limit.BPS), byteBurst)
		}
		return b
	})

	if st.pps != nil && !st.pps.AllowN(now, 1) {
		return true
	}
	if st.bps != nil && !st.bps.AllowN(now, int(pktLen)) {
		return true
	}
	return false
}

// Keys returns the number of keys with live limiter state.
func (l *Limiter) Keys() int {
	return l.windows.Len() + l.buckets.Len()
}
