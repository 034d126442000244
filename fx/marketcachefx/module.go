// Package marketcachefx provides an fx module for a bolt-backed market data cache.
package marketcachefx

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache"
	"github.com/alfalyzer/marketcache/internal/codec/worker"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/stats/logger"
	promstats "github.com/alfalyzer/marketcache/internal/stats/prometheus"
)

// Config holds configuration for the bolt-backed cache.
type Config struct {
	// DataDir is the directory holding the bolt database.
	DataDir string

	// RegistryFile is an optional YAML file overriding per-data-type
	// freshness. Empty means the built-in defaults.
	RegistryFile string

	// MemoryCeiling is the byte ceiling of the memory tier.
	// Default is 50 MiB.
	MemoryCeiling int64

	// Codec names the compression codec: zstd, s2, gzip or none.
	// Default is zstd.
	Codec string

	// AlwaysRefresh disables market-hours gating of background refreshes.
	AlwaysRefresh bool

	// PrefetchRate caps prefetch fetches per second. Zero means no limit.
	PrefetchRate float64
}

// Module provides a bolt-backed *marketcache.Cache.
// Requires a *zap.Logger and a Config to be provided. Metrics are also
// registered with a prometheus.Registerer when one is provided.
var Module = fx.Module("marketcache",
	fx.Provide(
		newStatsCollector,
		newCache,
	),
)

// StatsParams holds dependencies for the stats collector.
type StatsParams struct {
	fx.In

	Logger     *zap.Logger
	Registerer prometheus.Registerer `optional:"true"`
}

func newStatsCollector(p StatsParams) stats.Collector {
	log := logger.New(p.Logger.Named("marketcache.stats"))
	if p.Registerer == nil {
		return log
	}
	return stats.Multi{log, promstats.New(p.Registerer)}
}

// Params holds dependencies for creating the cache.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided cache.
type Result struct {
	fx.Out

	Cache *marketcache.Cache
}

func newCache(p Params) (Result, error) {
	opts := []marketcache.Option{
		marketcache.WithDataDir(p.Config.DataDir),
		marketcache.WithStats(p.Collector),
		marketcache.WithLogger(p.Logger.Named("marketcache")),
	}

	if p.Config.RegistryFile != "" {
		registry, err := datatype.LoadFile(p.Config.RegistryFile)
		if err != nil {
			return Result{}, err
		}
		opts = append(opts, marketcache.WithRegistry(registry))
	}
	if p.Config.MemoryCeiling > 0 {
		opts = append(opts, marketcache.WithMemoryCeiling(p.Config.MemoryCeiling))
	}
	c, err := worker.CodecByName(p.Config.Codec)
	if err != nil {
		return Result{}, err
	}
	opts = append(opts, marketcache.WithCodec(c))
	if p.Config.PrefetchRate > 0 {
		opts = append(opts, marketcache.WithPrefetchRateLimit(p.Config.PrefetchRate, 1))
	}
	if p.Config.AlwaysRefresh {
		opts = append(opts, marketcache.WithRefreshGate(marketcache.AlwaysRefresh))
	}

	cache, err := marketcache.New(opts...)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return cache.Close()
		},
	})

	return Result{Cache: cache}, nil
}
