// Package memorymarketcachefx provides an fx module for a market data cache
// backed by an in-memory persistent tier.
// Useful for testing.
package memorymarketcachefx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/stats/logger"
	"github.com/alfalyzer/marketcache/internal/store/memstore"
)

// Module provides an in-memory cache for testing.
// Requires a *zap.Logger to be provided.
var Module = fx.Module("memorymarketcache",
	fx.Provide(
		newStatsCollector,
		newMemStore,
		newCache,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("marketcache.stats"))
}

func newMemStore() *memstore.Store {
	return memstore.New()
}

// Params holds dependencies for creating the cache.
type Params struct {
	fx.In

	Logger    *zap.Logger
	Collector stats.Collector
	Store     *memstore.Store
	Lifecycle fx.Lifecycle
}

// Result holds the provided cache and store.
type Result struct {
	fx.Out

	Cache *marketcache.Cache
	Store *memstore.Store // Exposed for test setup
}

func newCache(p Params) (Result, error) {
	cache, err := marketcache.New(
		marketcache.WithPersistentTier(p.Store),
		marketcache.WithStats(p.Collector),
		marketcache.WithLogger(p.Logger.Named("marketcache")),
		marketcache.WithRefreshGate(marketcache.AlwaysRefresh),
		marketcache.WithPrefetchInterval(0),
		marketcache.WithCleanupInterval(0),
	)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return cache.Close()
		},
	})

	return Result{
		Cache: cache,
		Store: p.Store,
	}, nil
}
