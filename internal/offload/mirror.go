// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload mirrors blocklist entries into a pinned XDP map so the
// kernel fast path can drop blocked sources before they ever reach
// userspace. The mirror is optional: a nil *Mirror is valid and every
// method on it is a no-op, so callers never need to branch on whether
// offload is configured.
//
// Updates are queued through a bounded channel and applied by a single
// goroutine; the enqueue never blocks. A full queue drops the update and
// counts it, the kernel map simply lags until the next change.
package offload

import (
	"context"
	"sync/atomic"
	"time"

	"grimm.is/breakwater/internal/logging"
)

// Config for the kernel map mirror.
type Config struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// BlocklistPin is the bpffs pin path of the XDP program's exact-match
	// blocklist map (u32 source address → expiry in kernel monotonic ns).
	BlocklistPin string `hcl:"blocklist_pin,optional" json:"blocklist_pin,omitempty"`

	QueueSize int `hcl:"queue_size,optional" json:"queue_size"`
}

// DefaultConfig returns the default offload configuration, disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		BlocklistPin: "/sys/fs/bpf/breakwater/blocklist_v4",
		QueueSize:    4096,
	}
}

type update struct {
	ip      uint32
	expiry  time.Time
	removed bool
}

// Mirror pushes blocklist changes into the pinned kernel map.
type Mirror struct {
	cfg     Config
	logger  *logging.Logger
	updates chan update
	blocks  blockMap

	dropped atomic.Uint64
	applied atomic.Uint64
}

// blockMap is the kernel map surface the mirror needs, implemented by the
// platform file.
type blockMap interface {
	put(ip uint32, expiry time.Time) error
	del(ip uint32) error
	close() error
}

// New opens the pinned map and returns a mirror, or (nil, nil) when
// offload is disabled. The returned nil mirror is safe to use.
func New(cfg Config, logger *logging.Logger) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	blocks, err := openBlockMap(cfg.BlocklistPin)
	if err != nil {
		return nil, err
	}

	return &Mirror{
		cfg:     cfg,
		logger:  logger.WithComponent("offload"),
		updates: make(chan update, cfg.QueueSize),
		blocks:  blocks,
	}, nil
}

// OfferBlock queues a blocklist insertion for the kernel map. Safe on a
// nil mirror and never blocks.
func (m *Mirror) OfferBlock(ip uint32, expiry time.Time) {
	if m == nil {
		return
	}
	select {
	case m.updates <- update{ip: ip, expiry: expiry}:
	default:
		m.dropped.Add(1)
	}
}

// OfferUnblock queues a blocklist removal for the kernel map. Safe on a
// nil mirror and never blocks.
func (m *Mirror) OfferUnblock(ip uint32) {
	if m == nil {
		return
	}
	select {
	case m.updates <- update{ip: ip, removed: true}:
	default:
		m.dropped.Add(1)
	}
}

// Run applies queued updates until ctx is cancelled. Safe on a nil
// mirror.
func (m *Mirror) Run(ctx context.Context) {
	if m == nil {
		return
	}
	m.logger.Info("Kernel map mirror started", "pin", m.cfg.BlocklistPin, "queue", m.cfg.QueueSize)

	for {
		select {
		case <-ctx.Done():
			if err := m.blocks.close(); err != nil {
				m.logger.Warn("Failed to close kernel map", "error", err)
			}
			m.logger.Info("Kernel map mirror stopped",
				"applied", m.applied.Load(), "dropped", m.dropped.Load())
			return
		case u := <-m.updates:
			m.apply(u)
		}
	}
}

func (m *Mirror) apply(u update) {
	var err error
	if u.removed {
		err = m.blocks.del(u.ip)
	} else {
		err = m.blocks.put(u.ip, u.expiry)
	}
	if err != nil {
		m.logger.Warn("Kernel map update failed", "removed", u.removed, "error", err)
		return
	}
	m.applied.Add(1)
}

// Dropped returns the count of updates discarded due to a full queue.
// Safe on a nil mirror.
func (m *Mirror) Dropped() uint64 {
	if m == nil {
		return 0
	}
	return m.dropped.Load()
}

// Applied returns the count of updates written to the kernel map. Safe on
// a nil mirror.
func (m *Mirror) Applied() uint64 {
	if m == nil {
		return 0
	}
	return m.applied.Load()
}
