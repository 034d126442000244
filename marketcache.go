// Package marketcache provides a multi-tier cache for slow, rate-limited
// market data providers: quotes, company fundamentals and chart series.
//
// Reads go to a byte-bounded in-memory tier, then to a persistent tier,
// then to the caller's fetch function. Entries move through fresh, stale
// and expired states; stale entries are served immediately while a
// background refresh runs, and any cached copy is preferred to an error
// when the upstream fails.
//
// Example usage:
//
//	cache, err := marketcache.New(
//	    marketcache.WithDataDir("/var/lib/marketcache"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	q, err := marketcache.Get(ctx, cache, "quote:AAPL", fetchQuote,
//	    marketcache.WithDataType(datatype.Quote),
//	    marketcache.WithEntity("AAPL"),
//	)
package marketcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alfalyzer/marketcache/internal/codec/worker"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/janitor"
	"github.com/alfalyzer/marketcache/internal/prefetch"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/store"
	"github.com/alfalyzer/marketcache/internal/store/bolttier"
	"github.com/alfalyzer/marketcache/internal/store/memtier"
	"github.com/alfalyzer/marketcache/internal/usage"
)

// FetchFunc retrieves the JSON encoding of a value from upstream.
type FetchFunc func(ctx context.Context) ([]byte, error)

// recipe is the last request seen for an entity, replayed by the prefetcher.
type recipe struct {
	key      string
	dataType datatype.DataType
	fetch    FetchFunc
}

// Cache is a multi-tier market data cache.
// A Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	registry   *datatype.Registry
	memory     *memtier.Tier
	persistent store.Tier
	worker     *worker.Worker
	usage      *usage.Tracker
	prefetcher *prefetch.Scheduler
	janitor    *janitor.Janitor
	recipes    *lru.Cache[string, recipe]

	flight singleflight.Group
	gate   RefreshGate
	now    func() time.Time
	stats  stats.Collector
	logger *zap.Logger

	// mu guards refreshing and orders background task starts against Close.
	mu         sync.Mutex
	refreshing map[string]struct{}
	wg         sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   atomic.Bool

	hits        atomic.Int64
	misses      atomic.Int64
	staleServed atomic.Int64
	fallbacks   atomic.Int64
}

// New creates a new Cache with the given options.
// If no options are provided, the cache is memory only with default
// freshness rules.
func New(opts ...Option) (*Cache, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	persistent := cfg.persistent
	if persistent == nil && cfg.dataDir != "" {
		t, err := bolttier.Open(cfg.dataDir,
			bolttier.WithRetention(cfg.retention),
			bolttier.WithClock(cfg.now),
			bolttier.WithLogger(cfg.logger.Named("bolttier")),
		)
		if err != nil {
			return nil, fmt.Errorf("opening persistent tier: %w", err)
		}
		persistent = t
	}

	recipes, err := lru.New[string, recipe](cfg.recipeCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating recipe cache: %w", err)
	}

	workerOpts := []worker.Option{
		worker.WithThreshold(cfg.threshold),
		worker.WithLogger(cfg.logger.Named("worker")),
		worker.WithStats(cfg.stats),
	}
	if cfg.codec != nil {
		workerOpts = append(workerOpts, worker.WithCodec(cfg.codec))
	}

	var snapshots store.SnapshotStore
	if s, ok := persistent.(store.SnapshotStore); ok {
		snapshots = s
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	c := &Cache{
		registry:   cfg.registry,
		memory:     memtier.New(cfg.memoryCeiling, cfg.stats),
		persistent: persistent,
		worker:     worker.New(workerOpts...),
		usage: usage.New(snapshots,
			usage.WithClock(cfg.now),
			usage.WithLogger(cfg.logger.Named("usage")),
		),
		recipes:    recipes,
		gate:       cfg.gate,
		now:        cfg.now,
		stats:      cfg.stats,
		logger:     cfg.logger,
		refreshing: make(map[string]struct{}),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}

	c.prefetcher = prefetch.New(c.usage, prefetchTarget{c},
		prefetch.WithInterval(cfg.prefetchInterval),
		prefetch.WithTopN(cfg.prefetchTopN),
		prefetch.WithRateLimit(cfg.prefetchRate, cfg.prefetchBurst),
		prefetch.WithClock(cfg.now),
		prefetch.WithLogger(cfg.logger.Named("prefetch")),
		prefetch.WithStats(cfg.stats),
	)

	janitorOpts := []janitor.Option{
		janitor.WithUsage(c.usage),
		janitor.WithInterval(cfg.cleanupInterval),
		janitor.WithPersistInterval(cfg.persistInterval),
		janitor.WithRetention(cfg.retention),
		janitor.WithClock(cfg.now),
		janitor.WithLogger(cfg.logger.Named("janitor")),
		janitor.WithStats(cfg.stats),
	}
	if persistent != nil {
		janitorOpts = append(janitorOpts, janitor.WithPersistentTier(persistent))
	}
	c.janitor = janitor.New(c.memory, janitorOpts...)

	if err := c.usage.Load(bgCtx); err != nil {
		c.logger.Warn("restoring usage failed", zap.Error(err))
	}

	c.worker.Start()
	if cfg.prefetchInterval > 0 {
		c.prefetcher.Start(bgCtx)
	}
	if cfg.cleanupInterval > 0 {
		c.janitor.Start(bgCtx)
	}

	c.logger.Debug("cache initialized",
		zap.Int64("memoryCeiling", c.memory.Ceiling()),
		zap.Bool("persistent", persistent != nil),
	)

	return c, nil
}

// Close stops background tasks, saves usage and releases both tiers.
// After Close, the cache should not be used.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// No background refresh can start once closed is visible under mu.
	c.mu.Lock()
	c.mu.Unlock()

	c.prefetcher.Stop()
	c.janitor.Stop()
	c.bgCancel()
	c.wg.Wait()

	if err := c.usage.Persist(context.Background()); err != nil {
		c.logger.Warn("persisting usage failed", zap.Error(err))
	}
	c.worker.Stop()

	if c.persistent != nil {
		if err := c.persistent.Close(); err != nil {
			return fmt.Errorf("closing persistent tier: %w", err)
		}
	}

	c.logger.Debug("cache closed")
	return nil
}

// Invalidate removes every key matching the glob pattern (path.Match
// syntax) from both tiers and returns the larger of the two tier counts.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := store.ValidPattern(pattern); err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	n := c.memory.DeleteMatching(pattern)
	if c.persistent != nil {
		m, err := c.persistent.DeleteMatching(ctx, pattern)
		if err != nil {
			c.tierFailed("invalidate", pattern, err)
		}
		n = max(n, m)
	}

	c.logger.Debug("invalidated", zap.String("pattern", pattern), zap.Int("removed", n))
	return n, nil
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	MemoryEntries int
	MemoryBytes   int64
	TopEntities   []string
	Hits          int64
	Misses        int64
	StaleServed   int64
	Fallbacks     int64
}

// Stats returns current cache statistics. TopEntities lists the entities
// the prefetcher currently ranks highest.
func (c *Cache) Stats() Stats {
	var top []string
	for _, r := range c.usage.Top(prefetch.DefaultTopN, c.now()) {
		top = append(top, r.EntityID)
	}
	return Stats{
		MemoryEntries: c.memory.Len(),
		MemoryBytes:   c.memory.Bytes(),
		TopEntities:   top,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		StaleServed:   c.staleServed.Load(),
		Fallbacks:     c.fallbacks.Load(),
	}
}

// Clear removes every entry from both tiers and forgets all usage.
func (c *Cache) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.memory.Clear()
	c.usage.Reset()
	c.recipes.Purge()
	if c.persistent != nil {
		if err := c.persistent.Clear(ctx); err != nil {
			return fmt.Errorf("clearing persistent tier: %w", err)
		}
	}
	c.logger.Info("cache cleared")
	return nil
}

// Warm runs one prefetch pass and returns how many entities were warmed.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	return c.prefetcher.RunOnce(ctx), nil
}

// SweepResult reports what one Sweep removed.
type SweepResult struct {
	Memory  int
	Expired int
	Retired int
}

// Sweep runs one janitor pass: expired entries leave both tiers, persisted
// entries older than the retention window are removed and usage is saved.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	if c.closed.Load() {
		return SweepResult{}, ErrClosed
	}
	r := c.janitor.RunOnce(ctx)
	return SweepResult{Memory: r.Memory, Expired: r.Expired, Retired: r.Retired}, nil
}

// Registry returns the freshness configuration in use.
func (c *Cache) Registry() *datatype.Registry {
	return c.registry
}

// PersistentTier returns the persistent tier, or nil for a memory-only cache.
func (c *Cache) PersistentTier() store.Tier {
	return c.persistent
}

// tierFailed records a persistent tier failure. The cache keeps serving
// from memory.
func (c *Cache) tierFailed(op, key string, err error) {
	c.stats.IncCounter(stats.MetricTierUnavailable, 1)
	if errors.Is(err, store.ErrTierUnavailable) {
		c.logger.Warn("persistent tier unavailable", zap.String("op", op), zap.String("key", key), zap.Error(err))
		return
	}
	c.logger.Warn("persistent tier error", zap.String("op", op), zap.String("key", key), zap.Error(err))
}

// prefetchTarget adapts the cache to prefetch.Target.
type prefetchTarget struct {
	c *Cache
}

// Compile-time check that prefetchTarget implements prefetch.Target.
var _ prefetch.Target = prefetchTarget{}

func (p prefetchTarget) NeedsWarm(entityID string, now time.Time) bool {
	r, ok := p.c.recipes.Peek(entityID)
	if !ok {
		return false
	}
	e, ok := p.c.memory.Peek(r.key)
	return !ok || e.State(now) != entry.Fresh
}

// Warm promotes a fresh persisted copy when there is one and fetches
// otherwise. Neither path counts as a caller access.
func (p prefetchTarget) Warm(ctx context.Context, entityID string) error {
	r, ok := p.c.recipes.Peek(entityID)
	if !ok {
		return nil
	}
	if e := p.c.readPersistent(ctx, r.key); e != nil && e.State(p.c.now()) == entry.Fresh {
		p.c.memory.Set(r.key, e)
		return nil
	}
	_, err := p.c.fetchAndStore(ctx, r.key, r.fetch, r.dataType)
	return err
}
