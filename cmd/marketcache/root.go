package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/store"
	"github.com/alfalyzer/marketcache/internal/store/bolttier"
	"github.com/alfalyzer/marketcache/internal/store/gcstier"
	"github.com/alfalyzer/marketcache/internal/store/s3tier"
)

var (
	// Global flags.
	dataDir    string
	configFile string
	backend    string
	bucket     string
	prefix     string
	region     string
	endpoint   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "marketcache",
	Short: "Inspect and maintain a market data cache",
	Long: `Marketcache is a CLI tool for the persistent tier of a market data
cache holding quotes, company fundamentals and chart series.

The persistent tier is a bbolt file in --data-dir by default, or an S3 or
GCS bucket with --backend.

Examples:
  # Show entry counts and the most viewed symbols
  marketcache stats --data-dir ./data

  # Show one entry
  marketcache inspect quote:AAPL

  # Drop every chart series for AAPL
  marketcache invalidate 'charts:AAPL:*'

  # Print the effective freshness configuration
  marketcache config --config ./freshness.yaml`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory containing the bolt database")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML file overriding per-data-type freshness")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "bolt", "persistent tier: bolt, s3, gcs")
	rootCmd.PersistentFlags().StringVar(&bucket, "bucket", "", "bucket name for the s3 and gcs backends")
	rootCmd.PersistentFlags().StringVar(&prefix, "prefix", "", "object prefix for the s3 and gcs backends")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region for the s3 backend")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "custom endpoint for S3-compatible stores")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func loadRegistry() (*datatype.Registry, error) {
	if configFile == "" {
		return datatype.DefaultRegistry(), nil
	}
	r, err := datatype.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", configFile, err)
	}
	return r, nil
}

// openTier opens the persistent tier selected by the global flags.
func openTier(ctx context.Context, logger *zap.Logger) (store.Tier, error) {
	switch backend {
	case "bolt":
		if _, err := os.Stat(dataDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("data directory %q does not exist", dataDir)
		}
		t, err := bolttier.Open(dataDir, bolttier.WithLogger(logger.Named("bolttier")))
		if err != nil {
			return nil, fmt.Errorf("opening data directory: %w", err)
		}
		return t, nil
	case "s3":
		if bucket == "" {
			return nil, fmt.Errorf("--bucket is required for the s3 backend")
		}
		opts := []s3tier.Option{s3tier.WithPrefix(prefix)}
		if region != "" {
			opts = append(opts, s3tier.WithRegion(region))
		}
		if endpoint != "" {
			opts = append(opts, s3tier.WithEndpoint(endpoint))
		}
		t, err := s3tier.New(ctx, bucket, opts...)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "gcs":
		if bucket == "" {
			return nil, fmt.Errorf("--bucket is required for the gcs backend")
		}
		t, err := gcstier.New(ctx, bucket, gcstier.WithPrefix(prefix))
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}

// openCache wraps the persistent tier in a cache with background loops
// disabled, for commands that go through the public API.
func openCache(ctx context.Context) (*marketcache.Cache, error) {
	logger := newLogger()
	registry, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	tier, err := openTier(ctx, logger)
	if err != nil {
		return nil, err
	}
	c, err := marketcache.New(
		marketcache.WithPersistentTier(tier),
		marketcache.WithRegistry(registry),
		marketcache.WithLogger(logger),
		marketcache.WithPrefetchInterval(0),
		marketcache.WithCleanupInterval(0),
	)
	if err != nil {
		tier.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return c, nil
}
