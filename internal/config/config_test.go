// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytes_Empty(t *testing.T) {
	cfg, err := LoadBytes("test.hcl", []byte(""))
	require.NoError(t, err)

	assert.Equal(t, "filter", cfg.Mode)
	assert.Equal(t, "allow", cfg.DefaultAction)
	assert.Equal(t, 1, cfg.Workers)
	assert.NotNil(t, cfg.FlowCache)
	assert.NotNil(t, cfg.Scorer)
	assert.Equal(t, uint32(500), cfg.Scorer.BlockThreshold)
	assert.Equal(t, "127.0.0.1:8080", cfg.API.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadBytes_Full(t *testing.T) {
	src := `
mode           = "aggressive"
default_action = "deny"
workers        = 4

logging {
  level = "debug"
  json  = true
}

capture {
  interface   = "eth0"
  promiscuous = true
}

flow_cache {
  capacity = 50000
  shards   = 32
}

scorer {
  block_threshold   = 400
  block_ttl_seconds = 120
}

rate_class "web" {
  pps = 10000
}

rate_class "dns" {
  pps       = 500
  algorithm = "token_bucket"
  burst     = 100
}

amplification {
  port     = 11211
  min_size = 100
  service  = "memcached"
}

api {
  enabled = true
  listen  = "0.0.0.0:8080"
}

state {
  path = "/tmp/state.db"
}
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.Mode)
	assert.Equal(t, "deny", cfg.DefaultAction)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.Logging.JSON)

	require.NotNil(t, cfg.Capture)
	assert.Equal(t, "eth0", cfg.Capture.Interface)
	assert.Equal(t, 1600, cfg.Capture.SnapLen, "snaplen defaults when omitted")

	assert.Equal(t, 50000, cfg.FlowCache.Capacity)

	assert.Equal(t, uint32(400), cfg.Scorer.BlockThreshold)
	assert.Equal(t, 120, cfg.Scorer.BlockTTLSeconds)
	assert.NotEmpty(t, cfg.Scorer.PPSTiers, "tier defaults survive a partial scorer block")

	require.Len(t, cfg.RateClasses, 2)
	assert.Equal(t, "web", cfg.RateClasses[0].Name)
	assert.Equal(t, uint64(500), cfg.RateClasses[1].PPS)

	require.Len(t, cfg.Amplification, 1)
	assert.Equal(t, cfg.Amplification, cfg.AmplificationRules())

	assert.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
	assert.Equal(t, "/tmp/state.db", cfg.State.Path)
}

func TestLoadBytes_ScorerTiers(t *testing.T) {
	src := `
scorer {
  pps_tier {
    rate   = 1000
    points = 100
  }
  pps_tier {
    rate   = 5000
    points = 400
  }
}
`
	cfg, err := LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)
	require.Len(t, cfg.Scorer.PPSTiers, 2)
	assert.Equal(t, uint64(5000), cfg.Scorer.PPSTiers[1].Rate)
	assert.Equal(t, 60*time.Second, cfg.Scorer.BlockTTL)
}

func TestLoadBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad mode":             `mode = "paranoid"`,
		"bad action":           `default_action = "shrug"`,
		"bad syntax":           `mode = `,
		"duplicate rate class": "rate_class \"a\" {}\nrate_class \"a\" {}",
		"duplicate amp port":   "amplification { port = 53 }\namplification { port = 53 }",
		"zero amp port":        `amplification { port = 0 }`,
		"bad rate algorithm":   `rate_class "a" { algorithm = "sliding" }`,
		"bad syslog": `syslog {
  enabled = true
  protocol = "sctp"
}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadBytes("test.hcl", []byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/breakwater.hcl")
	assert.Error(t, err)
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.AmplificationRules())
}
