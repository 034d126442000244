// Package simulation replays quote traffic against cache configurations on a
// simulated clock and records how often each one had to go upstream.
package simulation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache"
)

// Strategy is one cache configuration under test.
type Strategy struct {
	Name string

	// Prefetch runs a Warm pass every PrefetchEvery of simulated time.
	Prefetch      bool
	PrefetchEvery time.Duration
	PrefetchTopN  int

	// MemoryCeiling bounds the memory tier. Zero means the default.
	MemoryCeiling int64
}

// DefaultStrategies compares a plain cache against one that prefetches the
// twenty most popular symbols every minute.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "baseline"},
		{Name: "prefetch", Prefetch: true, PrefetchEvery: time.Minute, PrefetchTopN: 20},
	}
}

// Simulator replays one request sequence against several strategies.
type Simulator struct {
	requests   []Request
	strategies []Strategy
	logger     *zap.Logger
}

// NewSimulator creates a Simulator for the given requests and strategies.
func NewSimulator(requests []Request, strategies ...Strategy) *Simulator {
	return &Simulator{
		requests:   requests,
		strategies: strategies,
		logger:     zap.NewNop(),
	}
}

// WithLogger sets the logger handed to every simulated cache.
func (s *Simulator) WithLogger(l *zap.Logger) *Simulator {
	s.logger = l
	return s
}

// Run replays the requests once per strategy, each on a fresh memory-only
// cache. Background refreshes are disabled so runs are deterministic.
func (s *Simulator) Run(ctx context.Context) (map[string]*AggregateResult, error) {
	results := make(map[string]*AggregateResult, len(s.strategies))
	for _, st := range s.strategies {
		res, err := s.runStrategy(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", st.Name, err)
		}
		results[st.Name] = res
	}
	return results, nil
}

// simClock is the simulated time source.
type simClock struct {
	now atomic.Int64
}

func (c *simClock) Now() time.Time       { return time.Unix(0, c.now.Load()) }
func (c *simClock) set(at time.Duration) { c.now.Store(epoch.Add(at).UnixNano()) }

// epoch is a Monday morning; the gate is closed anyway.
var epoch = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

func (s *Simulator) runStrategy(ctx context.Context, st Strategy) (*AggregateResult, error) {
	clock := &simClock{}
	clock.set(0)

	opts := []marketcache.Option{
		marketcache.WithClock(clock.Now),
		marketcache.WithRefreshGate(func(time.Time) bool { return false }),
		marketcache.WithPrefetchInterval(0),
		marketcache.WithCleanupInterval(0),
		marketcache.WithLogger(s.logger.Named(st.Name)),
	}
	if st.PrefetchTopN > 0 {
		opts = append(opts, marketcache.WithPrefetchTopN(st.PrefetchTopN))
	}
	if st.MemoryCeiling > 0 {
		opts = append(opts, marketcache.WithMemoryCeiling(st.MemoryCeiling))
	}
	cache, err := marketcache.New(opts...)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	var fetches atomic.Int64
	fetch := func(symbol string) func(context.Context) (quote, error) {
		return func(context.Context) (quote, error) {
			fetches.Add(1)
			return quote{Symbol: symbol, Price: 100, At: clock.Now()}, nil
		}
	}

	res := &AggregateResult{
		StrategyName:   st.Name,
		SymbolRequests: make(map[string]int),
	}

	nextWarm := st.PrefetchEvery
	session, sessionMisses := -1, 0
	for _, r := range s.requests {
		if st.Prefetch && st.PrefetchEvery > 0 {
			for nextWarm <= r.At {
				clock.set(nextWarm)
				n, err := cache.Warm(ctx)
				if err != nil {
					return nil, err
				}
				res.Prefetches += n
				nextWarm += st.PrefetchEvery
			}
		}
		clock.set(r.At)

		if r.Session != session {
			if session >= 0 {
				res.MissesPerSession = append(res.MissesPerSession, sessionMisses)
			}
			session, sessionMisses = r.Session, 0
		}

		before := cache.Stats().Misses
		if _, err := marketcache.Get(ctx, cache, "quote:"+r.Symbol, fetch(r.Symbol),
			marketcache.WithEntity(r.Symbol)); err != nil {
			return nil, err
		}
		if cache.Stats().Misses > before {
			sessionMisses++
		}
		res.TotalRequests++
		res.SymbolRequests[r.Symbol]++
	}
	if session >= 0 {
		res.MissesPerSession = append(res.MissesPerSession, sessionMisses)
	}

	stats := cache.Stats()
	res.Hits = stats.Hits
	res.Misses = stats.Misses
	res.StaleServed = stats.StaleServed
	res.Fetches = fetches.Load()
	return res, nil
}

// quote is the simulated upstream payload.
type quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}

// AggregateResult contains the outcome of one strategy run.
type AggregateResult struct {
	StrategyName  string
	TotalRequests int
	Hits          int64
	Misses        int64
	StaleServed   int64
	Fetches       int64 // Upstream calls, including prefetches.
	Prefetches    int

	MissesPerSession []int          // Misses per user session for statistical analysis.
	SymbolRequests   map[string]int // Symbol -> request count.
}

// HitRate returns the percentage of requests served from cache.
func (a *AggregateResult) HitRate() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.Hits) / float64(a.TotalRequests) * 100
}
