package micro

import (
	"context"
	"fmt"
	"testing"

	"github.com/alfalyzer/marketcache"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/store/bolttier"
)

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type bar struct {
	Open, High, Low, Close float64
	Volume                 int64
}

func fetchQuote(symbol string) func(context.Context) (quote, error) {
	return func(context.Context) (quote, error) {
		return quote{Symbol: symbol, Price: 187.44}, nil
	}
}

func newCache(b *testing.B, opts ...marketcache.Option) *marketcache.Cache {
	b.Helper()
	opts = append([]marketcache.Option{
		marketcache.WithRefreshGate(marketcache.AlwaysRefresh),
		marketcache.WithPrefetchInterval(0),
		marketcache.WithCleanupInterval(0),
	}, opts...)
	c, err := marketcache.New(opts...)
	if err != nil {
		b.Fatalf("creating cache: %v", err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

// BenchmarkGet_MemoryHit measures a fresh hit in the memory tier.
func BenchmarkGet_MemoryHit(b *testing.B) {
	c := newCache(b)
	ctx := context.Background()
	fetch := fetchQuote("AAPL")

	if _, err := marketcache.Get(ctx, c, "quote:AAPL", fetch); err != nil {
		b.Fatalf("populating: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := marketcache.Get(ctx, c, "quote:AAPL", fetch); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

// BenchmarkGet_MemoryHitParallel measures memory hits across goroutines
// spread over a small set of symbols.
func BenchmarkGet_MemoryHitParallel(b *testing.B) {
	c := newCache(b)
	ctx := context.Background()

	const symbols = 64
	for i := 0; i < symbols; i++ {
		sym := fmt.Sprintf("SYM%03d", i)
		if _, err := marketcache.Get(ctx, c, "quote:"+sym, fetchQuote(sym)); err != nil {
			b.Fatalf("populating: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			sym := fmt.Sprintf("SYM%03d", i%symbols)
			if _, err := marketcache.Get(ctx, c, "quote:"+sym, fetchQuote(sym)); err != nil {
				b.Errorf("get: %v", err)
				return
			}
			i++
		}
	})
}

// BenchmarkGet_PersistentHit measures a read served by the bolt tier. The
// memory ceiling is too small to hold any entry, so every call goes to disk.
func BenchmarkGet_PersistentHit(b *testing.B) {
	tier, err := bolttier.Open(b.TempDir())
	if err != nil {
		b.Fatalf("opening bolt tier: %v", err)
	}
	c := newCache(b,
		marketcache.WithPersistentTier(tier),
		marketcache.WithMemoryCeiling(1),
	)
	ctx := context.Background()
	fetch := fetchQuote("AAPL")

	if _, err := marketcache.Get(ctx, c, "quote:AAPL", fetch); err != nil {
		b.Fatalf("populating: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := marketcache.Get(ctx, c, "quote:AAPL", fetch); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

// BenchmarkGet_CompressedChart measures a memory hit on a zstd-compressed
// chart series, which pays for decompression on every read.
func BenchmarkGet_CompressedChart(b *testing.B) {
	c := newCache(b, marketcache.WithCompressionThreshold(1024))
	ctx := context.Background()

	series := make([]bar, 390)
	for i := range series {
		p := 180 + float64(i%50)/10
		series[i] = bar{Open: p, High: p + 0.2, Low: p - 0.2, Close: p + 0.1, Volume: int64(1000 + i)}
	}
	fetch := func(context.Context) ([]bar, error) { return series, nil }

	if _, err := marketcache.Get(ctx, c, "charts:AAPL:1d", fetch, marketcache.WithDataType(datatype.Charts)); err != nil {
		b.Fatalf("populating: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := marketcache.Get(ctx, c, "charts:AAPL:1d", fetch, marketcache.WithDataType(datatype.Charts)); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

// BenchmarkGet_Miss measures the full miss path: upstream fetch, encode and
// store. Every iteration uses a new key.
func BenchmarkGet_Miss(b *testing.B) {
	c := newCache(b)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		if _, err := marketcache.Get(ctx, c, "quote:"+sym, fetchQuote(sym)); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}
