package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alfalyzer/marketcache/internal/usage"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

// fakeTarget records warm requests.
type fakeTarget struct {
	mu     sync.Mutex
	fresh  map[string]bool
	fail   map[string]bool
	warmed []string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{fresh: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakeTarget) NeedsWarm(entityID string, _ time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.fresh[entityID]
}

func (f *fakeTarget) Warm(_ context.Context, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[entityID] {
		return errors.New("upstream down")
	}
	f.warmed = append(f.warmed, entityID)
	return nil
}

func (f *fakeTarget) Warmed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.warmed...)
	sort.Strings(out)
	return out
}

func trackerAt(now *time.Time) *usage.Tracker {
	return usage.New(nil, usage.WithClock(func() time.Time { return *now }))
}

func TestScheduler_NewerBeatsOlder(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)

	// B has more views but they are an hour old.
	for i := 0; i < 10; i++ {
		tracker.RecordAccess("B", "view")
	}
	now = t0.Add(59 * time.Minute)
	for i := 0; i < 5; i++ {
		tracker.RecordAccess("A", "view")
	}
	now = t0.Add(time.Hour)

	target := newFakeTarget()
	s := New(tracker, target, WithTopN(1), WithClock(func() time.Time { return now }))

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if got := target.Warmed(); len(got) != 1 || got[0] != "A" {
		t.Errorf("warmed = %v, want [A]", got)
	}
}

func TestScheduler_SkipsFreshEntities(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	for _, id := range []string{"AAPL", "MSFT", "GOOG"} {
		tracker.RecordAccess(id, "view")
	}

	target := newFakeTarget()
	target.fresh["MSFT"] = true
	s := New(tracker, target, WithClock(func() time.Time { return now }))

	if n := s.RunOnce(context.Background()); n != 2 {
		t.Errorf("RunOnce() = %d, want 2", n)
	}
	if got := target.Warmed(); len(got) != 2 || got[0] != "AAPL" || got[1] != "GOOG" {
		t.Errorf("warmed = %v, want [AAPL GOOG]", got)
	}
}

func TestScheduler_FreshEntitiesDoNotUseSlots(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	target := newFakeTarget()

	// e0 is the most viewed, e5 the least.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("e%d", i)
		for j := 0; j < 6-i; j++ {
			tracker.RecordAccess(id, "view")
		}
		if i < 5 {
			target.fresh[id] = true
		}
	}

	s := New(tracker, target, WithTopN(5), WithClock(func() time.Time { return now }))
	if n := s.RunOnce(context.Background()); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
	if got := target.Warmed(); len(got) != 1 || got[0] != "e5" {
		t.Errorf("warmed = %v, want [e5]", got)
	}
}

func TestScheduler_SwallowsWarmErrors(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	tracker.RecordAccess("AAPL", "view")
	tracker.RecordAccess("MSFT", "view")

	target := newFakeTarget()
	target.fail["AAPL"] = true
	s := New(tracker, target, WithClock(func() time.Time { return now }))

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
}

func TestScheduler_RateLimit(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	for _, id := range []string{"A", "B", "C", "D"} {
		tracker.RecordAccess(id, "view")
	}

	target := newFakeTarget()
	s := New(tracker, target,
		WithClock(func() time.Time { return now }),
		WithRateLimit(0.001, 2),
	)

	// Only the burst fits before the deadline; the rest give up.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if n := s.RunOnce(ctx); n != 2 {
		t.Errorf("RunOnce() = %d, want 2", n)
	}
}

func TestScheduler_TopNDefault(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		tracker.RecordAccess(id, "view")
	}

	target := newFakeTarget()
	s := New(tracker, target, WithClock(func() time.Time { return now }))
	if n := s.RunOnce(context.Background()); n != DefaultTopN {
		t.Errorf("RunOnce() = %d, want %d", n, DefaultTopN)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	now := t0
	tracker := trackerAt(&now)
	tracker.RecordAccess("AAPL", "view")

	target := newFakeTarget()
	s := New(tracker, target,
		WithInterval(5*time.Millisecond),
		WithClock(func() time.Time { return now }),
	)
	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(target.Warmed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if len(target.Warmed()) == 0 {
		t.Error("background loop never warmed AAPL")
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := New(usage.New(nil), newFakeTarget())
	s.Stop()
}
