// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command breakwater runs the packet classification engine together with
// its control plane: the HTTP management API, the Prometheus exporter,
// the optional XDP map mirror, and an optional live-capture observer
// datapath.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/breakwater/internal/clock"
	"grimm.is/breakwater/internal/config"
	"grimm.is/breakwater/internal/controlplane"
	"grimm.is/breakwater/internal/engine"
	"grimm.is/breakwater/internal/engine/blocklist"
	"grimm.is/breakwater/internal/engine/flowcache"
	"grimm.is/breakwater/internal/engine/heuristics"
	"grimm.is/breakwater/internal/engine/policy"
	"grimm.is/breakwater/internal/engine/ratelimit"
	"grimm.is/breakwater/internal/engine/scorer"
	"grimm.is/breakwater/internal/engine/stats"
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/logging"
	"grimm.is/breakwater/internal/offload"
	"grimm.is/breakwater/internal/state"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()
	logging.SetDefault(logger)

	clk := clock.RealClock{}

	mirror, err := offload.New(*cfg.Offload, logger)
	if err != nil {
		logger.Error("Failed to set up XDP offload", "error", err)
		os.Exit(1)
	}

	eng, err := assemble(cfg, clk, mirror)
	if err != nil {
		logger.Error("Failed to assemble engine", "error", err)
		os.Exit(1)
	}

	var store *state.Store
	if cfg.State.Path != "" {
		store, err = state.Open(cfg.State.Path)
		if err != nil {
			logger.Error("Failed to open state database", "path", cfg.State.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := restoreState(eng, store, clk, logger); err != nil {
			logger.Error("Failed to restore persisted state", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)

	var api *controlplane.Server
	if cfg.API.Enabled {
		api = controlplane.NewServer(controlplane.Config{Listen: cfg.API.Listen},
			eng, store, mirror, logger, clk)
		if err := api.Start(); err != nil {
			logger.Error("Failed to start control plane", "error", err)
			os.Exit(1)
		}
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetrics(cfg, eng, logger)
	}

	if cfg.Capture != nil {
		go runCapture(ctx, cfg.Capture, eng, logger)
	}

	logger.Info("breakwater started",
		"mode", eng.Mode().String(),
		"workers", cfg.Workers,
		"api", cfg.API.Enabled,
		"metrics", cfg.Metrics.Enabled,
		"offload", cfg.Offload.Enabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			reloadConfig(*configPath, eng, logger)
			continue
		}
		break
	}

	logger.Info("Shutting down")
	cancel()
	if api != nil {
		api.Stop()
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
}

// buildLogger constructs the process logger, forwarding to syslog when
// configured.
func buildLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	lcfg := cfg.LoggerConfig()
	closeLog := func() {}

	if cfg.Syslog.Enabled {
		sw, err := logging.NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			return nil, nil, err
		}
		lcfg.Output = io.MultiWriter(os.Stderr, sw)
		closeLog = func() { sw.Close() }
	}

	return logging.New(lcfg), closeLog, nil
}

// assemble wires the engine stages from config. The mirror may be nil;
// it receives every exact IPv4 blocklist change, including the scorer's
// automatic blocks, so the kernel fast path drops what the engine drops.
func assemble(cfg *config.Config, clk clock.Clock, mirror *offload.Mirror) (*engine.Engine, error) {
	blocks := blocklist.New(clk)
	if mirror != nil {
		blocks.SetMirror(mirror)
	}
	allow := blocklist.NewAllowlist()
	flows := flowcache.New(*cfg.FlowCache)
	rules := policy.NewStore()

	amp, err := heuristics.NewAmplification(cfg.AmplificationRules())
	if err != nil {
		return nil, err
	}
	scores, err := scorer.New(*cfg.Scorer, blocks, clk)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(*cfg.RateLimit, cfg.RateClasses, clk)
	if err != nil {
		return nil, err
	}

	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	defaultAction, err := types.ParseAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}

	ecfg := engine.Config{
		Mode:                mode,
		DefaultAction:       defaultAction,
		AggressiveThreshold: cfg.AggressiveThreshold,
		Workers:             cfg.Workers,
	}
	return engine.New(ecfg, allow, blocks, flows, amp, rules,
		scores, limiter, stats.NewCollector(cfg.Workers)), nil
}

// reloadConfig re-reads the config file on SIGHUP and applies what can
// change at runtime: the operating mode and the rate class definitions.
// Structural settings (workers, capture, listeners) need a restart.
func reloadConfig(path string, eng *engine.Engine, logger *logging.Logger) {
	registry := stats.Get()

	if path == "" {
		logger.Warn("SIGHUP received but no config file was given")
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("Config reload failed", "error", err)
		registry.IncrementConfigReload(false)
		return
	}
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		logger.Error("Config reload failed", "error", err)
		registry.IncrementConfigReload(false)
		return
	}
	for _, cl := range cfg.RateClasses {
		if err := eng.Limiter().SetClass(cl); err != nil {
			logger.Error("Config reload failed", "rate_class", cl.Name, "error", err)
			registry.IncrementConfigReload(false)
			return
		}
	}
	eng.SetMode(mode)

	registry.IncrementConfigReload(true)
	logger.Info("Configuration reloaded", "mode", mode.String(), "rate_classes", len(cfg.RateClasses))
}

// restoreState reloads persisted policies and blocklist entries into the
// engine.
func restoreState(eng *engine.Engine, store *state.Store, clk clock.Clock, logger *logging.Logger) error {
	rules, err := store.LoadPolicies()
	if err != nil {
		return err
	}
	if err := eng.Policies().Replace(rules); err != nil {
		return err
	}

	entries, err := store.LoadBlocklist(clk.Now())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := applyBlockEntry(eng.Blocklist(), e); err != nil {
			logger.Warn("Skipping unusable persisted blocklist row", "address", e.Address, "error", err)
		}
	}

	logger.Info("Restored persisted state", "policies", len(rules), "blocklist", len(entries))
	return nil
}

func applyBlockEntry(blocks *blocklist.Blocklist, e state.BlockEntry) error {
	if e.PrefixLen > 0 && e.PrefixLen < 32 {
		cidr := fmt.Sprintf("%s/%d", e.Address, e.PrefixLen)
		prefix, _, err := policy.ParseCIDR(cidr)
		if err != nil {
			return err
		}
		return blocks.AddPrefix(prefix, int(e.PrefixLen), e.ExpiresAt)
	}
	return blocks.AddIP(net.ParseIP(e.Address), e.ExpiresAt)
}

// startMetrics serves the Prometheus exposition endpoint. The counter
// families read the sharded totals at scrape time; gauges are refreshed
// per scrape.
func startMetrics(cfg *config.Config, eng *engine.Engine, logger *logging.Logger) *http.Server {
	registry := stats.Get()
	registry.SetSource(func() stats.Snapshot { return eng.Stats().Aggregate() })
	started := time.Now()

	mux := http.NewServeMux()
	promHandler := registry.Handler()
	mux.HandleFunc(cfg.Metrics.Path, func(w http.ResponseWriter, r *http.Request) {
		registry.Uptime.Set(time.Since(started).Seconds())
		registry.SetTableSize("blocklist", eng.Blocklist().Len())
		registry.SetTableSize("allowlist", eng.Allowlist().Len())
		registry.SetTableSize("flow_cache", eng.FlowCache().Len())
		registry.SetTableSize("policies", eng.Policies().Len())
		registry.SetTableSize("sources", eng.Scorer().Tracked())
		promHandler.ServeHTTP(w, r)
	})

	server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	go func() {
		logger.Info("Metrics listening", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	return server
}
