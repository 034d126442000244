package simulation

import (
	"sort"
)

// Metrics contains computed metrics from simulation results.
type Metrics struct {
	// Core metrics.
	TotalRequests     int
	HitRate           float64 // Percent of requests served from cache.
	StaleRate         float64 // Percent of requests served stale.
	FetchesPerRequest float64 // Upstream calls per request, prefetches included.

	// Distribution metrics.
	MedianMissesPerSession float64
	P90MissesPerSession    float64
	P99MissesPerSession    float64
	MinMissesPerSession    int
	MaxMissesPerSession    int

	// Popularity metrics.
	UniqueSymbols        int
	SymbolConcentration  float64 // Gini coefficient of symbol requests.
	TopSymbolRequestsPct float64 // Percentage of requests for the top 10% of symbols.
}

// ComputeMetrics computes detailed metrics from aggregate results.
func ComputeMetrics(result *AggregateResult) *Metrics {
	m := &Metrics{
		TotalRequests: result.TotalRequests,
		HitRate:       result.HitRate(),
		UniqueSymbols: len(result.SymbolRequests),
	}
	if result.TotalRequests > 0 {
		m.StaleRate = float64(result.StaleServed) / float64(result.TotalRequests) * 100
		m.FetchesPerRequest = float64(result.Fetches) / float64(result.TotalRequests)
	}

	if len(result.MissesPerSession) > 0 {
		sorted := make([]int, len(result.MissesPerSession))
		copy(sorted, result.MissesPerSession)
		sort.Ints(sorted)

		m.MinMissesPerSession = sorted[0]
		m.MaxMissesPerSession = sorted[len(sorted)-1]
		m.MedianMissesPerSession = percentile(sorted, 50)
		m.P90MissesPerSession = percentile(sorted, 90)
		m.P99MissesPerSession = percentile(sorted, 99)
	}

	if len(result.SymbolRequests) > 0 {
		m.SymbolConcentration = computeGini(result.SymbolRequests)
		m.TopSymbolRequestsPct = computeTopPct(result.SymbolRequests, result.TotalRequests, 0.1)
	}

	return m
}

func percentile(sorted []int, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

func computeGini(counts map[string]int) float64 {
	if len(counts) == 0 {
		return 0
	}

	values := make([]int, 0, len(counts))
	for _, v := range counts {
		values = append(values, v)
	}
	sort.Ints(values)

	n := float64(len(values))
	var sum, cumulativeSum float64
	for i, v := range values {
		sum += float64(v)
		cumulativeSum += float64(i+1) * float64(v)
	}

	if sum == 0 {
		return 0
	}
	return (2*cumulativeSum)/(n*sum) - (n+1)/n
}

func computeTopPct(counts map[string]int, total int, topFraction float64) float64 {
	if total == 0 || len(counts) == 0 {
		return 0
	}

	values := make([]int, 0, len(counts))
	for _, v := range counts {
		values = append(values, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(values)))

	topCount := max(int(float64(len(values))*topFraction), 1)

	var top int
	for _, v := range values[:min(topCount, len(values))] {
		top += v
	}
	return float64(top) / float64(total) * 100
}

// MetricsComparison holds the differences between two strategies.
type MetricsComparison struct {
	Strategy1 string
	Strategy2 string

	HitRateDiff      float64 // Positive means Strategy1 hits more often.
	FetchesDiff      float64 // Upstream calls per request, Strategy1 minus Strategy2.
	FetchesDiffPct   float64
	MedianMissesDiff float64
	StaleRateDiff    float64
}

// Compare compares two metrics and returns the differences.
func Compare(m1, m2 *Metrics, name1, name2 string) *MetricsComparison {
	return &MetricsComparison{
		Strategy1:        name1,
		Strategy2:        name2,
		HitRateDiff:      m1.HitRate - m2.HitRate,
		FetchesDiff:      m1.FetchesPerRequest - m2.FetchesPerRequest,
		FetchesDiffPct:   safeDiffPct(m1.FetchesPerRequest, m2.FetchesPerRequest),
		MedianMissesDiff: m1.MedianMissesPerSession - m2.MedianMissesPerSession,
		StaleRateDiff:    m1.StaleRate - m2.StaleRate,
	}
}

func safeDiffPct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}
