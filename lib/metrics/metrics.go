/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics implements the ambient Prometheus observability
// described in SPEC_FULL.md §4.14: gauges, counters, and histograms
// covering the memory pool, backpressure controller, connection pool,
// reconnection manager, SFTP transfer engine, and latency prober. None
// of this is named by any spec.md Non-goal, so per the "ambient stack
// regardless of non-goals" rule it is carried even though it is not
// one of the four "hard engineering" subsystems spec.md calls out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/trace"
)

// Config configures a Metrics registry.
type Config struct {
	// Registerer receives all collectors; defaults to
	// prometheus.NewRegistry() so tests never collide with the global
	// DefaultRegisterer.
	Registerer prometheus.Registerer
	// Namespace prefixes every metric name.
	Namespace string
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Namespace == "" {
		c.Namespace = "simpleshell_engine"
	}
	return nil
}

// Metrics bundles every collector the engine's components report
// through, per SPEC_FULL.md §4.14's coverage list.
type Metrics struct {
	Config

	// Memory Pool (§4.1).
	PoolAllocatedBytes *prometheus.GaugeVec
	PoolFreeBlocks     *prometheus.GaugeVec

	// Backpressure Controller (§4.2).
	BackpressureCreditRatio prometheus.Gauge

	// Connection Pool (§4.5).
	ConnPoolSize      prometheus.Gauge
	ConnPoolRefcounts *prometheus.GaugeVec

	// Reconnection Manager (§4.6).
	ReconnectAttemptsTotal *prometheus.CounterVec

	// SFTP Transfer Engine (§4.9).
	TransferThroughputBytes *prometheus.HistogramVec
	TransferActive          prometheus.Gauge
	TransferQueued          prometheus.Gauge

	// Latency Prober (§4.8).
	LatencySampleMillis *prometheus.HistogramVec
}

// New constructs and registers every collector against cfg.Registerer.
func New(cfg Config) (*Metrics, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m := &Metrics{Config: cfg}

	m.PoolAllocatedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "pool",
		Name:      "allocated_bytes",
		Help:      "Bytes currently checked out of the memory pool, by size class.",
	}, []string{"class"})

	m.PoolFreeBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "pool",
		Name:      "free_blocks",
		Help:      "Blocks sitting idle in the memory pool's free list, by size class.",
	}, []string{"class"})

	m.BackpressureCreditRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "backpressure",
		Name:      "credit_in_flight_ratio",
		Help:      "Fraction of the backpressure controller's credit ceiling currently reserved.",
	})

	m.ConnPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "connpool",
		Name:      "size",
		Help:      "Number of distinct PooledClients currently held open.",
	})

	m.ConnPoolRefcounts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "connpool",
		Name:      "refcount",
		Help:      "Tab reference count per pooled connection key.",
	}, []string{"key"})

	m.ReconnectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "reconnect",
		Name:      "attempts_total",
		Help:      "Reconnection attempts made, by outcome.",
	}, []string{"outcome"})

	m.TransferThroughputBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transfer",
		Name:      "throughput_bytes",
		Help:      "Bytes transferred per progress tick, by direction.",
		Buckets:   prometheus.ExponentialBuckets(32*1024, 4, 8),
	}, []string{"direction"})

	m.TransferActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transfer",
		Name:      "active",
		Help:      "Transfers currently running.",
	})

	m.TransferQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "transfer",
		Name:      "queued",
		Help:      "Transfers waiting for a concurrency slot.",
	})

	m.LatencySampleMillis = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace,
		Subsystem: "latency",
		Name:      "sample_millis",
		Help:      "Round-trip probe latency in milliseconds, by tab.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tab_id"})

	collectors := []prometheus.Collector{
		m.PoolAllocatedBytes, m.PoolFreeBlocks, m.BackpressureCreditRatio,
		m.ConnPoolSize, m.ConnPoolRefcounts, m.ReconnectAttemptsTotal,
		m.TransferThroughputBytes, m.TransferActive, m.TransferQueued,
		m.LatencySampleMillis,
	}
	for _, c := range collectors {
		if err := cfg.Registerer.Register(c); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return m, nil
}

// Handler exposes the metrics via the standard Prometheus text format,
// when Registerer is also a prometheus.Gatherer (true for the
// *prometheus.Registry this package defaults to).
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.Registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
