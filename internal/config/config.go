// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the HCL configuration file. Every
// engine tunable lives here; components receive their own Config structs
// already validated and defaulted.
package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/breakwater/internal/engine/flowcache"
	"grimm.is/breakwater/internal/engine/heuristics"
	"grimm.is/breakwater/internal/engine/ratelimit"
	"grimm.is/breakwater/internal/engine/scorer"
	"grimm.is/breakwater/internal/errors"
	"grimm.is/breakwater/internal/logging"
	"grimm.is/breakwater/internal/offload"
)

// Config is the full daemon configuration as decoded from HCL.
type Config struct {
	// Mode selects how verdicts apply: monitor, filter, or aggressive.
	Mode string `hcl:"mode,optional" json:"mode"`

	// DefaultAction applies on policy miss while enforcing: allow or deny.
	DefaultAction string `hcl:"default_action,optional" json:"default_action"`

	// AggressiveThreshold replaces the scorer block threshold in
	// aggressive mode.
	AggressiveThreshold uint32 `hcl:"aggressive_threshold,optional" json:"aggressive_threshold"`

	Workers int `hcl:"workers,optional" json:"workers"`

	Logging *LoggingConfig        `hcl:"logging,block" json:"logging,omitempty"`
	Syslog  *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`

	Capture   *CaptureConfig    `hcl:"capture,block" json:"capture,omitempty"`
	FlowCache *flowcache.Config `hcl:"flow_cache,block" json:"flow_cache,omitempty"`
	Scorer    *scorer.Config    `hcl:"scorer,block" json:"scorer,omitempty"`
	RateLimit *ratelimit.Config `hcl:"rate_limit,block" json:"rate_limit,omitempty"`

	RateClasses []ratelimit.ClassLimit `hcl:"rate_class,block" json:"rate_classes,omitempty"`

	// Amplification rules replace the built-in table when present.
	Amplification []heuristics.AmplificationRule `hcl:"amplification,block" json:"amplification,omitempty"`

	API     *APIConfig      `hcl:"api,block" json:"api,omitempty"`
	Metrics *MetricsConfig  `hcl:"metrics,block" json:"metrics,omitempty"`
	Offload *offload.Config `hcl:"offload,block" json:"offload,omitempty"`
	State   *StateConfig    `hcl:"state,block" json:"state,omitempty"`
}

// LoggingConfig is the HCL-facing logger configuration.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}

// CaptureConfig describes the live-capture datapath of the daemon.
type CaptureConfig struct {
	Interface   string `hcl:"interface" json:"interface"`
	SnapLen     int    `hcl:"snaplen,optional" json:"snaplen"`
	Promiscuous bool   `hcl:"promiscuous,optional" json:"promiscuous"`
}

// APIConfig configures the control-plane HTTP listener.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen"`
	Path    string `hcl:"path,optional" json:"path"`
}

// StateConfig configures the persistence database.
type StateConfig struct {
	Path string `hcl:"path,optional" json:"path"`
}

// Default returns a fully populated default configuration.
func Default() *Config {
	flows := flowcache.DefaultConfig()
	scores := scorer.DefaultConfig()
	limits := ratelimit.DefaultConfig()
	off := offload.DefaultConfig()
	syslog := logging.DefaultSyslogConfig()

	return &Config{
		Mode:                "filter",
		DefaultAction:       "allow",
		AggressiveThreshold: 250,
		Workers:             1,
		Logging:             &LoggingConfig{Level: "info"},
		Syslog:              &syslog,
		FlowCache:           &flows,
		Scorer:              &scores,
		RateLimit:           &limits,
		API:                 &APIConfig{Enabled: true, Listen: "127.0.0.1:8080"},
		Metrics:             &MetricsConfig{Enabled: true, Listen: "127.0.0.1:9090", Path: "/metrics"},
		Offload:             &off,
		State:               &StateConfig{Path: "/var/lib/breakwater/state.db"},
	}
}

// Load reads, decodes, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes a configuration from bytes. The filename is used only
// for diagnostics.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills every nil block and zero scalar from Default.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.DefaultAction == "" {
		c.DefaultAction = def.DefaultAction
	}
	if c.AggressiveThreshold == 0 {
		c.AggressiveThreshold = def.AggressiveThreshold
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Syslog == nil {
		c.Syslog = def.Syslog
	}
	if c.FlowCache == nil {
		c.FlowCache = def.FlowCache
	}
	if c.Scorer == nil {
		c.Scorer = def.Scorer
	} else {
		// Tier lists fall back to the built-in tiers when absent, so a
		// scorer block tuning only the threshold keeps scoring.
		defScorer := scorer.DefaultConfig()
		if c.Scorer.PPSTiers == nil {
			c.Scorer.PPSTiers = defScorer.PPSTiers
		}
		if c.Scorer.SYNTiers == nil {
			c.Scorer.SYNTiers = defScorer.SYNTiers
		}
		if c.Scorer.UDPTiers == nil {
			c.Scorer.UDPTiers = defScorer.UDPTiers
		}
		if c.Scorer.BlockThreshold == 0 {
			c.Scorer.BlockThreshold = defScorer.BlockThreshold
		}
		if c.Scorer.BlockTTLSeconds == 0 && c.Scorer.BlockTTL == 0 {
			c.Scorer.BlockTTL = defScorer.BlockTTL
		}
	}
	if c.RateLimit == nil {
		c.RateLimit = def.RateLimit
	}
	if c.API == nil {
		c.API = def.API
	}
	if c.API.Listen == "" {
		c.API.Listen = def.API.Listen
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Offload == nil {
		c.Offload = def.Offload
	}
	if c.State == nil {
		c.State = def.State
	}
	if c.Capture != nil && c.Capture.SnapLen <= 0 {
		c.Capture.SnapLen = 1600
	}
}

// Validate checks cross-field constraints after defaulting.
func (c *Config) Validate() error {
	switch c.Mode {
	case "monitor", "filter", "aggressive":
	default:
		return errors.Errorf(errors.KindValidation, "unknown mode %q", c.Mode)
	}

	switch c.DefaultAction {
	case "allow", "deny":
	default:
		return errors.Errorf(errors.KindValidation, "default_action must be allow or deny, got %q", c.DefaultAction)
	}

	seen := make(map[string]struct{}, len(c.RateClasses))
	for _, cl := range c.RateClasses {
		if _, dup := seen[cl.Name]; dup {
			return errors.Errorf(errors.KindValidation, "duplicate rate_class %q", cl.Name)
		}
		seen[cl.Name] = struct{}{}
		if err := cl.Validate(); err != nil {
			return err
		}
	}

	if _, err := heuristics.NewAmplification(c.AmplificationRules()); err != nil {
		return err
	}

	if c.Syslog.Enabled {
		if err := c.Syslog.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// AmplificationRules returns the configured amplification table, falling
// back to the built-in one.
func (c *Config) AmplificationRules() []heuristics.AmplificationRule {
	if len(c.Amplification) > 0 {
		return c.Amplification
	}
	return heuristics.DefaultAmplificationRules()
}

// LoggerConfig converts the HCL logging block into a logging.Config.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level: logging.ParseLevel(c.Logging.Level),
		JSON:  c.Logging.JSON,
	}
}
