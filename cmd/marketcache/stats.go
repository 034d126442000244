package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfalyzer/marketcache/internal/store"
	"github.com/alfalyzer/marketcache/internal/store/bolttier"
	"github.com/alfalyzer/marketcache/internal/usage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics about the persistent tier",
	Long: `Display statistics about the persistent tier including:
- Entries per partition (bolt backend)
- Total payload size
- The most viewed entities, ranked the way the prefetcher ranks them`,
	RunE: runStats,
}

var statsTop int

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 5, "number of top entities to show")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	tier, err := openTier(ctx, newLogger())
	if err != nil {
		return err
	}
	defer tier.Close()

	size, err := tier.Size(ctx)
	if err != nil {
		return fmt.Errorf("reading size: %w", err)
	}

	fmt.Printf("Backend:        %s\n", backend)
	if bt, ok := tier.(*bolttier.Tier); ok {
		fmt.Printf("Database:       %s\n", bt.Path())
		counts, err := bt.PartitionStats(ctx)
		if err != nil {
			return fmt.Errorf("reading partitions: %w", err)
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-13s %d\n", name+":", counts[name])
		}
	}
	fmt.Printf("Total size:     %s\n", formatBytes(size))

	snapshots, ok := tier.(store.SnapshotStore)
	if !ok {
		return nil
	}
	tracker := usage.New(snapshots)
	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}
	now := time.Now()
	top := tracker.Top(statsTop, now)
	if len(top) == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}
	fmt.Printf("Top entities (%d tracked):\n", tracker.Len())
	for i, r := range top {
		fmt.Printf("  %d. %-8s views=%d last=%s score=%.1f\n",
			i+1, r.EntityID, r.ViewCount, r.LastViewedAt.Format(time.RFC3339), usage.Score(r, now))
	}
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
