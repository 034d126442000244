package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfalyzer/marketcache"
	"github.com/alfalyzer/marketcache/internal/janitor"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired and retired entries",
	Long: `Run one janitor pass over the persistent tier.

Entries past their hard expiry are removed, as are entries older than the
retention window even if they have not expired. Usage statistics are saved.`,
	RunE: runSweep,
}

var sweepRetention time.Duration

func init() {
	sweepCmd.Flags().DurationVar(&sweepRetention, "retention", janitor.DefaultRetention, "remove entries older than this")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := newLogger()

	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	tier, err := openTier(ctx, logger)
	if err != nil {
		return err
	}
	c, err := marketcache.New(
		marketcache.WithPersistentTier(tier),
		marketcache.WithRegistry(registry),
		marketcache.WithLogger(logger),
		marketcache.WithRetention(sweepRetention),
		marketcache.WithPrefetchInterval(0),
		marketcache.WithCleanupInterval(0),
	)
	if err != nil {
		tier.Close()
		return fmt.Errorf("creating cache: %w", err)
	}
	defer c.Close()

	start := time.Now()
	res, err := c.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Expired: %d\n", res.Expired)
	fmt.Printf("Retired: %d\n", res.Retired)
	if verbose {
		fmt.Printf("Time:    %s\n", time.Since(start))
	}
	return nil
}
