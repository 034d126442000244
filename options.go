package marketcache

import (
	"time"

	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache/internal/codec"
	"github.com/alfalyzer/marketcache/internal/codec/worker"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/janitor"
	"github.com/alfalyzer/marketcache/internal/prefetch"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/store"
	"github.com/alfalyzer/marketcache/internal/store/memtier"
)

// DefaultRecipeCapacity bounds how many entities the prefetcher remembers
// requests for.
const DefaultRecipeCapacity = 1024

// Option configures a Cache.
type Option interface {
	apply(*options)
}

// options holds the cache configuration.
type options struct {
	logger           *zap.Logger
	stats            stats.Collector
	registry         *datatype.Registry
	persistent       store.Tier
	dataDir          string
	memoryCeiling    int64
	threshold        int
	codec            codec.Codec
	now              func() time.Time
	gate             RefreshGate
	prefetchInterval time.Duration
	prefetchTopN     int
	prefetchRate     float64
	prefetchBurst    int
	cleanupInterval  time.Duration
	retention        time.Duration
	persistInterval  time.Duration
	recipeCapacity   int
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		logger:           zap.NewNop(),
		stats:            stats.NewNoop(),
		registry:         datatype.DefaultRegistry(),
		memoryCeiling:    memtier.DefaultCeiling,
		threshold:        worker.DefaultThreshold,
		now:              time.Now,
		gate:             DefaultMarketHours(),
		prefetchInterval: prefetch.DefaultInterval,
		prefetchTopN:     prefetch.DefaultTopN,
		cleanupInterval:  janitor.DefaultInterval,
		retention:        janitor.DefaultRetention,
		persistInterval:  janitor.DefaultPersistInterval,
		recipeCapacity:   DefaultRecipeCapacity,
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithRegistry sets the per-data-type freshness configuration.
func WithRegistry(r *datatype.Registry) Option {
	return optionFunc(func(o *options) {
		o.registry = r
	})
}

// WithPersistentTier sets the persistent tier. The cache closes it on Close.
// Without a persistent tier or data directory the cache is memory only.
func WithPersistentTier(t store.Tier) Option {
	return optionFunc(func(o *options) {
		o.persistent = t
	})
}

// WithDataDir opens a bbolt persistent tier inside dir.
// Ignored when WithPersistentTier is also given.
func WithDataDir(dir string) Option {
	return optionFunc(func(o *options) {
		o.dataDir = dir
	})
}

// WithMemoryCeiling sets the byte ceiling of the memory tier.
// Default is 50 MiB.
func WithMemoryCeiling(bytes int64) Option {
	return optionFunc(func(o *options) {
		o.memoryCeiling = bytes
	})
}

// WithCompressionThreshold sets the payload size above which entries of
// compressible data types are compressed. Default is 10 KiB.
func WithCompressionThreshold(n int) Option {
	return optionFunc(func(o *options) {
		o.threshold = n
	})
}

// WithCodec sets the compression codec. Default is zstd.
func WithCodec(c codec.Codec) Option {
	return optionFunc(func(o *options) {
		o.codec = c
	})
}

// WithClock sets the time source used for freshness decisions.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		o.now = now
	})
}

// WithRefreshGate sets when stale entries may be refreshed in the
// background. Default is DefaultMarketHours.
func WithRefreshGate(g RefreshGate) Option {
	return optionFunc(func(o *options) {
		o.gate = g
	})
}

// WithPrefetchInterval sets the time between prefetch passes.
// Zero or less disables the background loop; Warm still works.
func WithPrefetchInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.prefetchInterval = d
	})
}

// WithPrefetchTopN sets how many top-ranked entities a prefetch pass warms.
func WithPrefetchTopN(n int) Option {
	return optionFunc(func(o *options) {
		o.prefetchTopN = n
	})
}

// WithPrefetchRateLimit caps prefetch fetches at perSecond with bursts of
// up to burst, to stay inside an upstream API quota. Zero or less means no
// limit, the default.
func WithPrefetchRateLimit(perSecond float64, burst int) Option {
	return optionFunc(func(o *options) {
		o.prefetchRate = perSecond
		o.prefetchBurst = burst
	})
}

// WithCleanupInterval sets the time between janitor sweeps.
// Zero or less disables the background loop; Sweep still works.
func WithCleanupInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.cleanupInterval = d
	})
}

// WithRetention sets the age after which persisted entries are removed
// even if unexpired. Default is 7 days.
func WithRetention(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.retention = d
	})
}

// WithUsagePersistInterval sets the time between usage saves.
func WithUsagePersistInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.persistInterval = d
	})
}

// GetOption configures a single Get.
type GetOption func(*getOptions)

type getOptions struct {
	dataType    datatype.DataType
	entityID    string
	interaction string
	force       bool
	bypass      bool
}

func resolveGetOptions(opts []GetOption) getOptions {
	g := getOptions{dataType: datatype.Quote, interaction: "view"}
	for _, opt := range opts {
		opt(&g)
	}
	return g
}

// WithDataType selects the freshness rules applied to the key.
// Default is datatype.Quote.
func WithDataType(dt datatype.DataType) GetOption {
	return func(g *getOptions) { g.dataType = dt }
}

// WithEntity attributes the request to an entity, typically a ticker
// symbol, for usage tracking and prefetching.
func WithEntity(id string) GetOption {
	return func(g *getOptions) { g.entityID = id }
}

// WithInteraction sets the event tag recorded for the entity. Default "view".
func WithInteraction(tag string) GetOption {
	return func(g *getOptions) { g.interaction = tag }
}

// ForceRefresh skips cached copies and fetches, still writing the result
// through both tiers. Cached copies remain the fallback if the fetch fails.
func ForceRefresh() GetOption {
	return func(g *getOptions) { g.force = true }
}

// BypassCache fetches without reading or writing either tier.
func BypassCache() GetOption {
	return func(g *getOptions) { g.bypass = true }
}
