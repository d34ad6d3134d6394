// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry exposes engine statistics in Prometheus exposition format. The
// monotonic totals live in the sharded Collector, so they are exported as
// counter const metrics read from a snapshot source at scrape time rather
// than mirrored into mutable metric objects.
type Registry struct {
	registry *prometheus.Registry
	counters *counterSet

	TableSize    *prometheus.GaugeVec
	ConfigReload *prometheus.CounterVec
	Uptime       prometheus.Gauge
}

var (
	registryOnce sync.Once
	registry     *Registry
)

// Get returns the process-wide metric registry, creating it on first use.
func Get() *Registry {
	registryOnce.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counters := newCounterSet()
	reg.MustRegister(counters)

	return &Registry{
		registry: reg,
		counters: counters,
		TableSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breakwater_table_entries",
			Help: "Current entry count of a bounded engine table",
		}, []string{"table"}),
		ConfigReload: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "breakwater_config_reloads_total",
			Help: "Configuration reloads by outcome",
		}, []string{"status"}),
		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "breakwater_uptime_seconds",
			Help: "Seconds since engine start",
		}),
	}
}

// SetSource registers the snapshot source the counter metrics are read
// from on each scrape.
func (r *Registry) SetSource(source func() Snapshot) {
	r.counters.setSource(source)
}

// SetTableSize records the current size of a named bounded table.
func (r *Registry) SetTableSize(table string, n int) {
	r.TableSize.WithLabelValues(table).Set(float64(n))
}

// IncrementConfigReload counts a configuration reload attempt.
func (r *Registry) IncrementConfigReload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.ConfigReload.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// counterSet implements prometheus.Collector over an aggregated Snapshot.
type counterSet struct {
	mu     sync.RWMutex
	source func() Snapshot

	seenPackets    *prometheus.Desc
	seenBytes      *prometheus.Desc
	passedPackets  *prometheus.Desc
	droppedPackets *prometheus.Desc
	droppedBytes   *prometheus.Desc
	malformed      *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	verdicts       *prometheus.Desc
	byProto        *prometheus.Desc
}

func newCounterSet() *counterSet {
	return &counterSet{
		seenPackets: prometheus.NewDesc("breakwater_seen_packets_total",
			"Total packets examined by the engine", nil, nil),
		seenBytes: prometheus.NewDesc("breakwater_seen_bytes_total",
			"Total bytes examined by the engine", nil, nil),
		passedPackets: prometheus.NewDesc("breakwater_passed_packets_total",
			"Packets forwarded to the host stack", nil, nil),
		droppedPackets: prometheus.NewDesc("breakwater_dropped_packets_total",
			"Packets dropped by the engine", nil, nil),
		droppedBytes: prometheus.NewDesc("breakwater_dropped_bytes_total",
			"Bytes dropped by the engine", nil, nil),
		malformed: prometheus.NewDesc("breakwater_malformed_packets_total",
			"Frames the parser could not decode", nil, nil),
		cacheHits: prometheus.NewDesc("breakwater_flow_cache_hits_total",
			"Flow cache lookups that found a cached decision", nil, nil),
		cacheMisses: prometheus.NewDesc("breakwater_flow_cache_misses_total",
			"Flow cache lookups that fell through to classification", nil, nil),
		verdicts: prometheus.NewDesc("breakwater_verdicts_total",
			"Non-default verdicts by reason", []string{"reason"}, nil),
		byProto: prometheus.NewDesc("breakwater_packets_by_protocol_total",
			"Packets examined by IP protocol", []string{"protocol"}, nil),
	}
}

func (c *counterSet) setSource(source func() Snapshot) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

func (c *counterSet) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.seenPackets
	ch <- c.seenBytes
	ch <- c.passedPackets
	ch <- c.droppedPackets
	ch <- c.droppedBytes
	ch <- c.malformed
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.verdicts
	ch <- c.byProto
}

func (c *counterSet) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return
	}
	s := source()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.seenPackets, s.SeenPackets)
	counter(c.seenBytes, s.SeenBytes)
	counter(c.passedPackets, s.PassedPackets)
	counter(c.droppedPackets, s.DropPackets)
	counter(c.droppedBytes, s.DropBytes)
	counter(c.malformed, s.Malformed)
	counter(c.cacheHits, s.CacheHits)
	counter(c.cacheMisses, s.CacheMisses)

	for reason, n := range s.ByReason {
		counter(c.verdicts, n, reason)
	}
	counter(c.byProto, s.TCPPackets, "tcp")
	counter(c.byProto, s.UDPPackets, "udp")
	counter(c.byProto, s.ICMPPackets, "icmp")
	counter(c.byProto, s.IPv6Packets, "ipv6")
}
