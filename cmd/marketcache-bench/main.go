// Package main provides the marketcache-bench CLI tool for comparing cache
// strategies on replayed quote traffic.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache/benchmark/analysis"
	"github.com/alfalyzer/marketcache/benchmark/reporting"
	"github.com/alfalyzer/marketcache/benchmark/simulation"
)

var (
	traceFile     string
	strategyNames []string
	outputFormat  string
	outputFile    string
	verbose       bool

	workload = simulation.DefaultWorkload()
)

var rootCmd = &cobra.Command{
	Use:   "marketcache-bench",
	Short: "Benchmark cache strategies for marketcache",
	Long: `marketcache-bench compares cache strategies on quote traffic.

It replays user sessions against memory-only caches on a simulated clock and
measures how many requests per session had to go upstream.

Examples:
  # Run benchmark on a synthetic workload
  marketcache-bench run

  # Replay a recorded trace
  marketcache-bench run --trace requests.jsonl.zst

  # Compare specific strategies as a markdown report
  marketcache-bench run --strategies baseline,prefetch,small --format markdown --output report.md

  # Write the synthetic workload to a trace file
  marketcache-bench generate --sessions 2000 --output requests.jsonl`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark simulation",
	RunE:  runBenchmark,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a synthetic workload as a JSON lines trace",
	RunE:  runGenerate,
}

func addWorkloadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&workload.Symbols, "symbols", workload.Symbols, "number of distinct symbols")
	cmd.Flags().IntVar(&workload.Sessions, "sessions", workload.Sessions, "number of user sessions")
	cmd.Flags().IntVar(&workload.RequestsPerSession, "requests", workload.RequestsPerSession, "quote requests per session")
	cmd.Flags().Float64Var(&workload.Skew, "skew", workload.Skew, "Zipf skew of symbol popularity (> 1)")
	cmd.Flags().Uint64Var(&workload.Seed, "seed", workload.Seed, "random seed")
}

func init() {
	addWorkloadFlags(runCmd)
	runCmd.Flags().StringVarP(&traceFile, "trace", "t", "", "JSON lines trace to replay instead of a synthetic workload (supports .zst)")
	runCmd.Flags().StringSliceVarP(&strategyNames, "strategies", "s", []string{"baseline", "prefetch"}, "strategies to compare; the first is the baseline")
	runCmd.Flags().StringVarP(&outputFormat, "format", "f", "text", "output format: text, markdown")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	addWorkloadFlags(generateCmd)
	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default: stdout)")

	rootCmd.AddCommand(runCmd, generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	requests, source, err := loadRequests()
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("no requests to replay")
	}

	strategies := make([]simulation.Strategy, 0, len(strategyNames))
	for _, name := range strategyNames {
		s, err := createStrategy(name)
		if err != nil {
			return err
		}
		strategies = append(strategies, s)
	}

	logger.Info("running simulation",
		zap.String("source", source),
		zap.Int("requests", len(requests)),
		zap.Strings("strategies", strategyNames))

	start := time.Now()
	results, err := simulation.NewSimulator(requests, strategies...).
		WithLogger(logger.Named("simulation")).
		Run(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("simulation finished", zap.Duration("elapsed", time.Since(start)))

	var comparison *analysis.MultiStrategyComparison
	if len(strategies) >= 2 {
		comparison = analysis.CompareAll(results, strategies[0].Name,
			10000, // Bootstrap iterations.
			0.95,  // 95% confidence.
		)
	}

	var output io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	sessions := countSessions(requests)
	switch outputFormat {
	case "markdown":
		return writeMarkdownReport(output, source, sessions, len(requests), strategies, results, comparison)
	default:
		return writeTextReport(output, source, sessions, len(requests), strategies, results, comparison)
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	requests, err := workload.Generate()
	if err != nil {
		return err
	}

	var output io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		output = f
	}
	return simulation.WriteTrace(output, requests)
}

// loadRequests reads --trace when set and generates the synthetic workload
// otherwise.
func loadRequests() ([]simulation.Request, string, error) {
	if traceFile == "" {
		requests, err := workload.Generate()
		if err != nil {
			return nil, "", err
		}
		source := fmt.Sprintf("synthetic, %d symbols, Zipf skew %.2f, seed %d",
			workload.Symbols, workload.Skew, workload.Seed)
		return requests, source, nil
	}

	file, err := os.Open(traceFile)
	if err != nil {
		return nil, "", fmt.Errorf("opening trace file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(traceFile, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, "", fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	}

	requests, err := simulation.ReadTrace(reader)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", traceFile, err)
	}
	return requests, "trace " + traceFile, nil
}

func createStrategy(name string) (simulation.Strategy, error) {
	switch strings.ToLower(name) {
	case "baseline":
		return simulation.Strategy{Name: "baseline"}, nil
	case "prefetch":
		return simulation.Strategy{Name: "prefetch", Prefetch: true, PrefetchEvery: time.Minute, PrefetchTopN: 20}, nil
	case "prefetch-aggressive":
		return simulation.Strategy{Name: "prefetch-aggressive", Prefetch: true, PrefetchEvery: 15 * time.Second, PrefetchTopN: 50}, nil
	case "small":
		return simulation.Strategy{Name: "small", MemoryCeiling: 4 << 10}, nil
	default:
		return simulation.Strategy{}, fmt.Errorf("unknown strategy: %s", name)
	}
}

func countSessions(requests []simulation.Request) int {
	seen := make(map[int]struct{})
	for _, r := range requests {
		seen[r.Session] = struct{}{}
	}
	return len(seen)
}

func writeTextReport(w io.Writer, source string, sessions, requests int, strategies []simulation.Strategy, results map[string]*simulation.AggregateResult, comp *analysis.MultiStrategyComparison) error {
	fmt.Fprintf(w, "Marketcache Strategy Benchmark\n")
	fmt.Fprintf(w, "==============================\n\n")
	fmt.Fprintf(w, "Workload: %s\n", source)
	fmt.Fprintf(w, "Sessions: %d\n", sessions)
	fmt.Fprintf(w, "Requests: %d\n\n", requests)

	fmt.Fprintf(w, "Results:\n")
	fmt.Fprintf(w, "--------\n\n")

	for _, s := range strategies {
		name := s.Name
		res := results[name]
		metrics := simulation.ComputeMetrics(res)
		fmt.Fprintf(w, "%s:\n", name)
		fmt.Fprintf(w, "  Hit rate:          %.1f%%\n", metrics.HitRate)
		fmt.Fprintf(w, "  Stale served:      %.1f%%\n", metrics.StaleRate)
		fmt.Fprintf(w, "  Fetches/request:   %.3f\n", metrics.FetchesPerRequest)
		fmt.Fprintf(w, "  Median misses:     %.0f\n", metrics.MedianMissesPerSession)
		fmt.Fprintf(w, "  P90 misses:        %.0f\n", metrics.P90MissesPerSession)
		fmt.Fprintf(w, "  Prefetches:        %d\n\n", res.Prefetches)
	}

	if comp != nil {
		fmt.Fprintf(w, "Statistical Analysis:\n")
		fmt.Fprintf(w, "---------------------\n\n")
		for _, c := range comp.Comparisons {
			fmt.Fprintln(w, c.Summary())
			fmt.Fprintln(w)
		}
	}

	return nil
}

func writeMarkdownReport(w io.Writer, source string, sessions, requests int, strategies []simulation.Strategy, results map[string]*simulation.AggregateResult, comp *analysis.MultiStrategyComparison) error {
	report := reporting.NewMarkdownReport(w)
	report.WriteHeader("Marketcache Strategy Benchmark")
	report.WriteMethodology(sessions, requests, source)
	report.WriteSummaryTable(results)

	if comp != nil {
		for _, c := range comp.Comparisons {
			report.WriteComparison(c)
		}
	}
	for _, s := range strategies {
		report.WriteDistributionChart(s.Name, results[s.Name].MissesPerSession)
	}

	report.WriteFooter()
	return nil
}
