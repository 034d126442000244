// Package prometheus provides a Prometheus-based stats collector.
package prometheus

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alfalyzer/marketcache/internal/stats"
)

// help holds descriptions for the metrics the cache emits.
// Unknown names fall back to the name itself.
var help = map[string]string{
	stats.MetricGets:             "Cache Get calls.",
	stats.MetricMemoryHits:       "Lookups answered by the memory tier.",
	stats.MetricPersistHits:      "Lookups answered by the persistent tier.",
	stats.MetricMisses:           "Lookups that required an upstream fetch.",
	stats.MetricStaleServed:      "Stale entries returned to callers.",
	stats.MetricFetches:          "Upstream fetches issued.",
	stats.MetricFetchFailures:    "Upstream fetches that failed.",
	stats.MetricFallbacks:        "Failed fetches answered from a stale or expired copy.",
	stats.MetricRefreshes:        "Background refreshes scheduled.",
	stats.MetricFetchSeconds:     "Upstream fetch latency in seconds.",
	stats.MetricMemoryEntries:    "Entries held by the memory tier.",
	stats.MetricMemoryBytes:      "Bytes held by the memory tier.",
	stats.MetricEvictions:        "Entries evicted from the memory tier to respect its ceiling.",
	stats.MetricTierUnavailable:  "Persistent tier operations that failed.",
	stats.MetricSchemaMismatch:   "Persisted entries rejected for an incompatible version.",
	stats.MetricCompressed:       "Payloads stored compressed.",
	stats.MetricCodecUnavailable: "Payloads stored uncompressed because the codec worker failed.",
	stats.MetricCompressionRatio: "Compressed size divided by original size.",
	stats.MetricPrefetches:       "Prefetch warm-ups issued.",
	stats.MetricSweptMemory:      "Expired entries removed from the memory tier by the janitor.",
	stats.MetricSweptPersisted:   "Entries removed from the persistent tier by the janitor.",
}

// buckets overrides histogram buckets for metrics whose range is known.
var buckets = map[string][]float64{
	stats.MetricCompressionRatio: prometheus.LinearBuckets(0.1, 0.1, 10),
}

// Collector implements stats.Collector using Prometheus metrics.
type Collector struct {
	registry prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// Compile-time check that Collector implements stats.Collector.
var _ stats.Collector = (*Collector)(nil)

// New creates a new Prometheus collector.
// If registry is nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Collector{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// IncCounter increments a counter metric.
func (c *Collector) IncCounter(name string, delta int64) {
	counter := getOrCreate(c, c.counters, name, func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: helpFor(name)})
	})
	counter.Add(float64(delta))
}

// SetGauge sets a gauge metric.
func (c *Collector) SetGauge(name string, value int64) {
	gauge := getOrCreate(c, c.gauges, name, func() prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: helpFor(name)})
	})
	gauge.Set(float64(value))
}

// ObserveHistogram records a value in a histogram.
func (c *Collector) ObserveHistogram(name string, value float64) {
	histogram := getOrCreate(c, c.histograms, name, func() prometheus.Histogram {
		b, ok := buckets[name]
		if !ok {
			b = prometheus.DefBuckets
		}
		return prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: helpFor(name), Buckets: b})
	})
	histogram.Observe(value)
}

// getOrCreate returns the metric registered under name, creating and
// registering it on first use. A metric already registered elsewhere under
// the same name is adopted instead.
func getOrCreate[M prometheus.Collector](c *Collector, m map[string]M, name string, create func() M) M {
	c.mu.RLock()
	metric, ok := m[name]
	c.mu.RUnlock()
	if ok {
		return metric
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if metric, ok = m[name]; ok {
		return metric
	}

	metric = create()
	if err := c.registry.Register(metric); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(M); ok {
				metric = existing
			}
		}
	}
	m[name] = metric
	return metric
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}
