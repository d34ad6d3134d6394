// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controlplane exposes the management HTTP API. All mutation
// endpoints validate their input synchronously and reject bad requests
// with 400 before anything is applied; the engine never sees a partial
// update.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"grimm.is/breakwater/internal/clock"
	"grimm.is/breakwater/internal/engine"
	"grimm.is/breakwater/internal/engine/policy"
	"grimm.is/breakwater/internal/engine/stats"
	"grimm.is/breakwater/internal/engine/types"
	"grimm.is/breakwater/internal/errors"
	"grimm.is/breakwater/internal/logging"
	"grimm.is/breakwater/internal/offload"
	"grimm.is/breakwater/internal/state"
)

// Config for the control-plane server.
type Config struct {
	Listen string

	// JanitorInterval is how often expired blocklist entries are swept.
	// Zero disables the janitor.
	JanitorInterval time.Duration
}

// Server is the management API.
type Server struct {
	cfg    Config
	eng    *engine.Engine
	store  *state.Store
	mirror *offload.Mirror
	logger *logging.Logger
	clk    clock.Clock

	router     *mux.Router
	httpServer *http.Server
	mutex      sync.Mutex
	cancel     context.CancelFunc
	started    time.Time
}

// NewServer creates the control-plane server. store and mirror may be nil
// when persistence or offload is disabled.
func NewServer(cfg Config, eng *engine.Engine, store *state.Store, mirror *offload.Mirror,
	logger *logging.Logger, clk clock.Clock) *Server {

	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		eng:    eng,
		store:  store,
		mirror: mirror,
		logger: logger.WithComponent("controlplane"),
		clk:    clk,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	api.HandleFunc("/policies", s.handleCreatePolicy).Methods("POST")
	api.HandleFunc("/policies/{rule_id}", s.handlePutPolicy).Methods("PUT")
	api.HandleFunc("/policies/{rule_id}", s.handleDeletePolicy).Methods("DELETE")

	api.HandleFunc("/blocklist/{ip}", s.handlePutBlock).Methods("PUT")
	api.HandleFunc("/blocklist/{ip}", s.handleDeleteBlock).Methods("DELETE")

	api.HandleFunc("/allowlist/{ip}", s.handlePutAllow).Methods("PUT")
	api.HandleFunc("/allowlist/{ip}", s.handleDeleteAllow).Methods("DELETE")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/mode", s.handleGetMode).Methods("GET")
	api.HandleFunc("/mode", s.handlePutMode).Methods("PUT")
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving the API and the expiry janitor.
func (s *Server) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.started = s.clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.cfg.JanitorInterval > 0 {
		go s.janitor(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.router,
	}

	go func() {
		s.logger.Info("Control plane API listening", "addr", s.cfg.Listen)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// janitor periodically compacts expired blocklist entries, off the
// datapath.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.eng.Blocklist().Sweep()
			if removed > 0 {
				s.logger.Debug("Swept expired blocklist entries", "removed", removed)
			}
			if s.store != nil {
				if n, err := s.store.PruneExpired(s.clk.Now()); err != nil {
					s.logger.Warn("Failed to prune persisted blocklist", "error", err)
				} else if n > 0 {
					s.logger.Debug("Pruned persisted blocklist rows", "removed", n)
				}
			}
		}
	}
}

// policyRequest is the PUT body for a policy rule.
type policyRequest struct {
	Prefix       string `json:"prefix"`
	Action       string `json:"action"`
	InspectLevel uint8  `json:"inspect_level"`
	RateClass    string `json:"rate_class"`
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	s.applyPolicy(w, r, mux.Vars(r)["rule_id"])
}

// handleCreatePolicy is PUT's cousin for callers that want a
// server-assigned rule ID.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	s.applyPolicy(w, r, uuid.NewString())
}

func (s *Server) applyPolicy(w http.ResponseWriter, r *http.Request, ruleID string) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	prefix, prefixLen, err := policy.ParseCIDR(req.Prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := types.ParseAction(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rule := policy.Rule{
		RuleID:       ruleID,
		Prefix:       prefix,
		PrefixLen:    prefixLen,
		Action:       action,
		InspectLevel: req.InspectLevel,
		RateClass:    req.RateClass,
	}

	if s.store != nil {
		if err := s.store.SavePolicy(rule); err != nil {
			http.Error(w, fmt.Sprintf("persist policy: %v", err), http.StatusInternalServerError)
			return
		}
	}
	if err := s.eng.Policies().Upsert(rule); err != nil {
		http.Error(w, fmt.Sprintf("apply policy: %v", err), http.StatusInternalServerError)
		return
	}

	s.logger.Info("Policy updated", "rule_id", ruleID, "prefix", req.Prefix, "action", req.Action)
	writeJSON(w, map[string]string{"status": "ok", "rule_id": ruleID})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["rule_id"]

	if err := s.eng.Policies().Remove(ruleID); err != nil {
		if errors.GetKind(err) == errors.KindNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.store != nil {
		if err := s.store.DeletePolicy(ruleID); err != nil {
			s.logger.Warn("Failed to delete persisted policy", "rule_id", ruleID, "error", err)
		}
	}

	s.logger.Info("Policy removed", "rule_id", ruleID)
	writeJSON(w, map[string]string{"status": "ok", "rule_id": ruleID})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rules := s.eng.Policies().List()
	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, map[string]any{
			"rule_id":       rule.RuleID,
			"prefix":        fmt.Sprintf("%s/%d", types.Uint32ToIP(rule.Prefix), rule.PrefixLen),
			"action":        rule.Action.String(),
			"inspect_level": rule.InspectLevel,
			"rate_class":    rule.RateClass,
		})
	}
	writeJSON(w, map[string]any{"policies": out, "count": len(out)})
}

// blockRequest is the PUT body for a blocklist entry.
type blockRequest struct {
	// PrefixLen below 32 blocks a whole prefix. Zero means a single
	// address.
	PrefixLen uint8 `json:"prefix_len,omitempty"`

	// TTLSeconds of zero means permanent.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

func (s *Server) handlePutBlock(w http.ResponseWriter, r *http.Request) {
	ipStr := mux.Vars(r)["ip"]

	var req blockRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		http.Error(w, fmt.Sprintf("invalid address %q", ipStr), http.StatusBadRequest)
		return
	}

	var expiry time.Time
	if req.TTLSeconds > 0 {
		expiry = s.clk.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	v4 := ip.To4()
	switch {
	case v4 != nil && req.PrefixLen > 0 && req.PrefixLen < 32:
		addr, _ := types.IPToUint32(v4)
		if err := s.eng.Blocklist().AddPrefix(addr, int(req.PrefixLen), expiry); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case v4 != nil:
		addr, _ := types.IPToUint32(v4)
		// Add notifies the kernel map mirror itself.
		s.eng.Blocklist().Add(addr, expiry)
	default:
		if req.PrefixLen > 0 {
			http.Error(w, "IPv6 prefixes are not supported, exact addresses only", http.StatusBadRequest)
			return
		}
		var addr [16]byte
		copy(addr[:], ip.To16())
		s.eng.Blocklist().AddV6(addr, expiry)
	}

	if s.store != nil {
		entry := state.BlockEntry{Address: ipStr, PrefixLen: req.PrefixLen, ExpiresAt: expiry}
		if err := s.store.SaveBlock(entry); err != nil {
			s.logger.Warn("Failed to persist blocklist entry", "address", ipStr, "error", err)
		}
	}

	s.logger.Info("Blocklist entry added", "address", ipStr, "prefix_len", req.PrefixLen, "ttl_seconds", req.TTLSeconds)
	writeJSON(w, map[string]string{"status": "ok", "address": ipStr})
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	ipStr := mux.Vars(r)["ip"]

	ip := net.ParseIP(ipStr)
	if ip == nil {
		http.Error(w, fmt.Sprintf("invalid address %q", ipStr), http.StatusBadRequest)
		return
	}

	if v4 := ip.To4(); v4 != nil {
		addr, _ := types.IPToUint32(v4)
		s.eng.Blocklist().Remove(addr)
	} else {
		var addr [16]byte
		copy(addr[:], ip.To16())
		s.eng.Blocklist().RemoveV6(addr)
	}

	if s.store != nil {
		if err := s.store.DeleteBlock(ipStr); err != nil {
			s.logger.Warn("Failed to delete persisted blocklist entry", "address", ipStr, "error", err)
		}
	}

	s.logger.Info("Blocklist entry removed", "address", ipStr)
	writeJSON(w, map[string]string{"status": "ok", "address": ipStr})
}

func (s *Server) handlePutAllow(w http.ResponseWriter, r *http.Request) {
	ipStr := mux.Vars(r)["ip"]
	v4 := net.ParseIP(ipStr).To4()
	if v4 == nil {
		http.Error(w, fmt.Sprintf("invalid IPv4 address %q", ipStr), http.StatusBadRequest)
		return
	}
	addr, _ := types.IPToUint32(v4)
	s.eng.Allowlist().Add(addr)
	s.logger.Info("Allowlist entry added", "address", ipStr)
	writeJSON(w, map[string]string{"status": "ok", "address": ipStr})
}

func (s *Server) handleDeleteAllow(w http.ResponseWriter, r *http.Request) {
	ipStr := mux.Vars(r)["ip"]
	v4 := net.ParseIP(ipStr).To4()
	if v4 == nil {
		http.Error(w, fmt.Sprintf("invalid IPv4 address %q", ipStr), http.StatusBadRequest)
		return
	}
	addr, _ := types.IPToUint32(v4)
	s.eng.Allowlist().Remove(addr)
	s.logger.Info("Allowlist entry removed", "address", ipStr)
	writeJSON(w, map[string]string{"status": "ok", "address": ipStr})
}

// statsResponse is the scrape payload: the flat counter set plus current
// table occupancy and kernel mirror progress.
type statsResponse struct {
	Mode          string            `json:"mode"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Counters      stats.Snapshot    `json:"counters"`
	Tables        map[string]int    `json:"tables"`
	Offload       map[string]uint64 `json:"offload"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Mode:          s.eng.Mode().String(),
		UptimeSeconds: int64(s.clk.Now().Sub(s.started).Seconds()),
		Counters:      s.eng.Stats().Aggregate(),
		Offload: map[string]uint64{
			"applied": s.mirror.Applied(),
			"dropped": s.mirror.Dropped(),
		},
		Tables: map[string]int{
			"blocklist":  s.eng.Blocklist().Len(),
			"allowlist":  s.eng.Allowlist().Len(),
			"flow_cache": s.eng.FlowCache().Len(),
			"policies":   s.eng.Policies().Len(),
			"sources":    s.eng.Scorer().Tracked(),
			"rate_keys":  s.eng.Limiter().Keys(),
		},
	}
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "mode": s.eng.Mode().String()})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"mode": s.eng.Mode().String()})
}

func (s *Server) handlePutMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}

	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.eng.SetMode(mode)
	s.logger.Info("Mode changed", "mode", mode.String())
	writeJSON(w, map[string]string{"status": "ok", "mode": mode.String()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
