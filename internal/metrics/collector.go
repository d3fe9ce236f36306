// Package metrics exposes autosave counters and latencies in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "draftsafe"
	subsystem = "autosave"

	ResultOK       = "ok"
	ResultSkipped  = "skipped"
	ResultError    = "error"
	ResultNotFound = "not_found"
)

// Collector records autosave activity. A nil *Collector discards everything.
type Collector struct {
	registry       *prometheus.Registry
	flushes        *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	evictions      prometheus.Counter
	restores       *prometheus.CounterVec
	forcedFlushes  *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// NewCollector creates the autosave metrics and registers them on a fresh registry.
func NewCollector() *Collector {
	collector := &Collector{
		registry: prometheus.NewRegistry(),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flushes_total",
			Help:      "Flush attempts by result",
		}, []string{"result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flush_duration_seconds",
			Help:      "Duration of flush transactions",
			Buckets:   prometheus.DefBuckets,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshots_evicted_total",
			Help:      "Snapshots removed by ring eviction",
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restores_total",
			Help:      "Restore attempts by result",
		}, []string{"result"}),
		forcedFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forced_flushes_total",
			Help:      "Flushes forced by lifecycle signals",
		}, []string{"signal"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Draft sessions currently holding an update buffer",
		}),
	}

	collector.registry.MustRegister(
		collector.flushes,
		collector.flushDuration,
		collector.evictions,
		collector.restores,
		collector.forcedFlushes,
		collector.activeSessions,
	)
	return collector
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveFlush(result string, duration time.Duration, evicted int64) {
	if c == nil {
		return
	}
	c.flushes.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		c.flushDuration.Observe(duration.Seconds())
	}
	if evicted > 0 {
		c.evictions.Add(float64(evicted))
	}
}

func (c *Collector) ObserveRestore(result string) {
	if c == nil {
		return
	}
	c.restores.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveForcedFlush(signal string) {
	if c == nil {
		return
	}
	c.forcedFlushes.WithLabelValues(signal).Inc()
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}
