// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the library.
const (
	// Coordinator metrics.
	MetricGets          = "marketcache_gets_total"
	MetricMemoryHits    = "marketcache_memory_hits_total"
	MetricPersistHits   = "marketcache_persistent_hits_total"
	MetricMisses        = "marketcache_misses_total"
	MetricStaleServed   = "marketcache_stale_served_total"
	MetricFetches       = "marketcache_fetches_total"
	MetricFetchFailures = "marketcache_fetch_failures_total"
	MetricFallbacks     = "marketcache_fallbacks_total"
	MetricRefreshes     = "marketcache_background_refreshes_total"
	MetricFetchSeconds  = "marketcache_fetch_duration_seconds"

	// Tier metrics.
	MetricMemoryEntries   = "marketcache_memory_entries"
	MetricMemoryBytes     = "marketcache_memory_bytes"
	MetricEvictions       = "marketcache_evictions_total"
	MetricTierUnavailable = "marketcache_tier_unavailable_total"
	MetricSchemaMismatch  = "marketcache_schema_mismatch_total"

	// Codec metrics.
	MetricCompressed       = "marketcache_compressed_total"
	MetricCodecUnavailable = "marketcache_codec_unavailable_total"
	MetricCompressionRatio = "marketcache_compression_ratio"

	// Background task metrics.
	MetricPrefetches     = "marketcache_prefetches_total"
	MetricSweptMemory    = "marketcache_swept_memory_total"
	MetricSweptPersisted = "marketcache_swept_persistent_total"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
