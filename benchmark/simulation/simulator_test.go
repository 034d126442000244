package simulation

import (
	"bytes"
	"context"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"
)

func smallWorkload() Workload {
	return Workload{
		Symbols:            30,
		Sessions:           60,
		RequestsPerSession: 5,
		Step:               10 * time.Second,
		SessionGap:         30 * time.Second,
		Skew:               1.3,
		Seed:               7,
	}
}

func TestWorkload_GenerateIsDeterministic(t *testing.T) {
	w := smallWorkload()
	a, err := w.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, _ := w.Generate()
	if !reflect.DeepEqual(a, b) {
		t.Error("same workload generated different sequences")
	}
	if len(a) != w.Sessions*w.RequestsPerSession {
		t.Errorf("len = %d, want %d", len(a), w.Sessions*w.RequestsPerSession)
	}
	for i := 1; i < len(a); i++ {
		if a[i].At < a[i-1].At {
			t.Fatalf("request %d at %s precedes %s", i, a[i].At, a[i-1].At)
		}
	}

	w.Seed++
	c, _ := w.Generate()
	if reflect.DeepEqual(a, c) {
		t.Error("different seeds generated the same sequence")
	}
}

func TestWorkload_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Workload)
	}{
		{"one symbol", func(w *Workload) { w.Symbols = 1 }},
		{"no sessions", func(w *Workload) { w.Sessions = 0 }},
		{"flat skew", func(w *Workload) { w.Skew = 1 }},
		{"negative step", func(w *Workload) { w.Step = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := smallWorkload()
			tt.mutate(&w)
			if _, err := w.Generate(); err == nil {
				t.Error("Generate() should fail")
			}
		})
	}
}

func TestTrace_RoundTrip(t *testing.T) {
	requests, _ := smallWorkload().Generate()

	var buf bytes.Buffer
	if err := WriteTrace(&buf, requests); err != nil {
		t.Fatalf("WriteTrace() error = %v", err)
	}
	got, err := ReadTrace(&buf)
	if err != nil {
		t.Fatalf("ReadTrace() error = %v", err)
	}
	if !reflect.DeepEqual(got, requests) {
		t.Error("trace round trip changed the requests")
	}
}

func TestReadTrace_Errors(t *testing.T) {
	tests := map[string]string{
		"bad json":     `{"session":0,"symbol":"AAPL","at":0}` + "\n{",
		"out of order": `{"session":0,"symbol":"AAPL","at":5}` + "\n" + `{"session":0,"symbol":"MSFT","at":1}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadTrace(strings.NewReader(input)); err == nil {
				t.Error("ReadTrace() should fail")
			}
		})
	}
}

func TestSimulator_Run(t *testing.T) {
	w := smallWorkload()
	requests, err := w.Generate()
	if err != nil {
		t.Fatal(err)
	}

	results, err := NewSimulator(requests, DefaultStrategies()...).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	base, pre := results["baseline"], results["prefetch"]
	if base == nil || pre == nil {
		t.Fatalf("missing results: %v", results)
	}

	for _, res := range []*AggregateResult{base, pre} {
		if res.TotalRequests != len(requests) {
			t.Errorf("%s: TotalRequests = %d, want %d", res.StrategyName, res.TotalRequests, len(requests))
		}
		if res.Hits+res.Misses != int64(res.TotalRequests) {
			t.Errorf("%s: hits %d + misses %d != %d requests", res.StrategyName, res.Hits, res.Misses, res.TotalRequests)
		}
		if len(res.MissesPerSession) != w.Sessions {
			t.Errorf("%s: %d session samples, want %d", res.StrategyName, len(res.MissesPerSession), w.Sessions)
		}
		if res.Fetches < res.Misses {
			t.Errorf("%s: %d fetches for %d misses", res.StrategyName, res.Fetches, res.Misses)
		}
	}

	// Prefetching only ever makes entries newer, so it cannot miss more.
	if pre.Misses > base.Misses {
		t.Errorf("prefetch misses %d > baseline misses %d", pre.Misses, base.Misses)
	}
	if pre.Prefetches == 0 {
		t.Error("prefetch strategy never warmed an entry")
	}
	if base.Fetches != base.Misses {
		t.Errorf("baseline fetches %d != misses %d", base.Fetches, base.Misses)
	}
}

func TestComputeMetrics(t *testing.T) {
	res := &AggregateResult{
		StrategyName:     "test",
		TotalRequests:    10,
		Hits:             8,
		Misses:           2,
		StaleServed:      1,
		Fetches:          4,
		MissesPerSession: []int{0, 1, 1, 0},
		SymbolRequests:   map[string]int{"A": 7, "B": 2, "C": 1},
	}

	m := ComputeMetrics(res)
	if m.HitRate != 80 {
		t.Errorf("HitRate = %v, want 80", m.HitRate)
	}
	if m.StaleRate != 10 {
		t.Errorf("StaleRate = %v, want 10", m.StaleRate)
	}
	if m.FetchesPerRequest != 0.4 {
		t.Errorf("FetchesPerRequest = %v, want 0.4", m.FetchesPerRequest)
	}
	if m.MinMissesPerSession != 0 || m.MaxMissesPerSession != 1 {
		t.Errorf("min/max = %d/%d, want 0/1", m.MinMissesPerSession, m.MaxMissesPerSession)
	}
	if m.UniqueSymbols != 3 {
		t.Errorf("UniqueSymbols = %d, want 3", m.UniqueSymbols)
	}
	if m.TopSymbolRequestsPct != 70 {
		t.Errorf("TopSymbolRequestsPct = %v, want 70", m.TopSymbolRequestsPct)
	}
	if m.SymbolConcentration <= 0 {
		t.Errorf("SymbolConcentration = %v, want > 0 for skewed requests", m.SymbolConcentration)
	}
}

func TestComputeGini_Uniform(t *testing.T) {
	g := computeGini(map[string]int{"A": 5, "B": 5, "C": 5, "D": 5})
	if math.Abs(g) > 1e-9 {
		t.Errorf("Gini = %v, want 0 for uniform counts", g)
	}
}

func TestCompare(t *testing.T) {
	m1 := &Metrics{HitRate: 90, FetchesPerRequest: 0.3, MedianMissesPerSession: 1}
	m2 := &Metrics{HitRate: 80, FetchesPerRequest: 0.2, MedianMissesPerSession: 2}

	c := Compare(m1, m2, "prefetch", "baseline")
	if c.HitRateDiff != 10 {
		t.Errorf("HitRateDiff = %v, want 10", c.HitRateDiff)
	}
	if math.Abs(c.FetchesDiffPct-50) > 1e-9 {
		t.Errorf("FetchesDiffPct = %v, want 50", c.FetchesDiffPct)
	}
	if c.MedianMissesDiff != -1 {
		t.Errorf("MedianMissesDiff = %v, want -1", c.MedianMissesDiff)
	}
}
