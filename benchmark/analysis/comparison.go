package analysis

import (
	"fmt"
	"sort"

	"github.com/alfalyzer/marketcache/benchmark/simulation"
)

// StrategyComparison contains a full statistical comparison between two
// strategies over misses per session.
type StrategyComparison struct {
	Strategy1       string
	Strategy2       string
	Stats1          *DescriptiveStats
	Stats2          *DescriptiveStats
	MannWhitney     *MannWhitneyResult
	EffectSize      *EffectSize
	BootstrapCI     *BootstrapResult
	Winner          string // Name of strategy with fewer misses per session, or "tie".
	WinnerConfident bool   // True if statistically significant.
}

// CompareStrategies performs a full statistical comparison between two strategies.
func CompareStrategies(
	result1, result2 *simulation.AggregateResult,
	bootstrapIterations int,
	confidence float64,
) *StrategyComparison {
	sample1 := intsToFloats(result1.MissesPerSession)
	sample2 := intsToFloats(result2.MissesPerSession)

	mw := MannWhitneyU(sample1, sample2)
	stats1 := Describe(sample1)
	stats2 := Describe(sample2)

	winner, confident := "tie", false
	switch {
	case stats1.Mean < stats2.Mean:
		winner, confident = result1.StrategyName, mw.Significant
	case stats2.Mean < stats1.Mean:
		winner, confident = result2.StrategyName, mw.Significant
	}

	return &StrategyComparison{
		Strategy1:       result1.StrategyName,
		Strategy2:       result2.StrategyName,
		Stats1:          stats1,
		Stats2:          stats2,
		MannWhitney:     mw,
		EffectSize:      ComputeEffectSize(sample1, sample2),
		BootstrapCI:     BootstrapConfidenceInterval(sample1, sample2, bootstrapIterations, confidence),
		Winner:          winner,
		WinnerConfident: confident,
	}
}

// Summary returns a human-readable summary of the comparison.
func (c *StrategyComparison) Summary() string {
	sig := "not statistically significant"
	if c.MannWhitney.Significant {
		sig = fmt.Sprintf("statistically significant (p=%.4f)", c.MannWhitney.PValue)
	}

	return fmt.Sprintf(
		"%s vs %s:\n"+
			"  %s: mean=%.2f, median=%.2f, std=%.2f\n"+
			"  %s: mean=%.2f, median=%.2f, std=%.2f\n"+
			"  Difference: %.2f misses/session (%.1f%%)\n"+
			"  Effect size: %.2f (%s)\n"+
			"  Result: %s, %s",
		c.Strategy1, c.Strategy2,
		c.Strategy1, c.Stats1.Mean, c.Stats1.Median, c.Stats1.StdDev,
		c.Strategy2, c.Stats2.Mean, c.Stats2.Median, c.Stats2.StdDev,
		c.Stats1.Mean-c.Stats2.Mean,
		safePctDiff(c.Stats1.Mean, c.Stats2.Mean),
		c.EffectSize.CohensD, c.EffectSize.Interpretation,
		c.Winner, sig,
	)
}

func intsToFloats(ints []int) []float64 {
	floats := make([]float64, len(ints))
	for i, v := range ints {
		floats[i] = float64(v)
	}
	return floats
}

func safePctDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}

// MultiStrategyComparison compares multiple strategies against a baseline.
type MultiStrategyComparison struct {
	Baseline    string
	Comparisons []*StrategyComparison
}

// CompareAll compares every strategy against the baseline, in name order.
// It returns nil when the baseline has no result.
func CompareAll(
	results map[string]*simulation.AggregateResult,
	baseline string,
	bootstrapIterations int,
	confidence float64,
) *MultiStrategyComparison {
	baseResult, ok := results[baseline]
	if !ok {
		return nil
	}

	names := make([]string, 0, len(results))
	for name := range results {
		if name != baseline {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	multi := &MultiStrategyComparison{Baseline: baseline}
	for _, name := range names {
		multi.Comparisons = append(multi.Comparisons,
			CompareStrategies(baseResult, results[name], bootstrapIterations, confidence))
	}
	return multi
}
