package bolttier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func openTier(t *testing.T, opts ...Option) *Tier {
	t.Helper()
	tier, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	return tier
}

func newEntry(dt datatype.DataType, data string, at time.Time) *entry.Entry {
	return entry.New([]byte(data), dt, datatype.Defaults()[dt], 0, at)
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("Open() should fail for a missing directory")
	}
}

func TestOpen_NotDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Open(file); err == nil {
		t.Error("Open() should fail for a regular file")
	}
}

func TestTier_GetSet(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	if _, err := tier.Get(ctx, "quote:AAPL"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	want := newEntry(datatype.Quote, `{"price":150}`, t0)
	if err := tier.Set(ctx, "quote:AAPL", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := tier.Get(ctx, "quote:AAPL")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != `{"price":150}` {
		t.Errorf("Data = %s", got.Data)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) || !got.StaleAt.Equal(want.StaleAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v", got.StaleAt, got.ExpiresAt, want.StaleAt, want.ExpiresAt)
	}
	if got.DataType != datatype.Quote {
		t.Errorf("DataType = %v, want quote", got.DataType)
	}
}

func TestTier_Partitions(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	tier.Set(ctx, "quote:AAPL", newEntry(datatype.Quote, `1`, t0))
	tier.Set(ctx, "fundamentals:AAPL", newEntry(datatype.Fundamentals, `2`, t0))
	tier.Set(ctx, "charts:AAPL:1d", newEntry(datatype.Charts, `3`, t0))
	tier.Set(ctx, "charts:MSFT:1d", newEntry(datatype.Charts, `4`, t0))

	got, err := tier.PartitionStats(ctx)
	if err != nil {
		t.Fatalf("PartitionStats() error = %v", err)
	}
	want := map[string]int{"quotes": 1, "fundamentals": 1, "charts": 2, "metadata": 0}
	for p, n := range want {
		if got[p] != n {
			t.Errorf("partition %s = %d, want %d", p, got[p], n)
		}
	}
}

func TestTier_SetReplacesAcrossPartitions(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	tier.Set(ctx, "AAPL", newEntry(datatype.Quote, `1`, t0))
	tier.Set(ctx, "AAPL", newEntry(datatype.Charts, `2`, t0))

	keys, err := tier.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Keys() = %v, want a single key", keys)
	}

	// The replaced quote's index rows must not resurface in a sweep.
	n, err := tier.SweepExpired(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if n != 0 {
		t.Errorf("SweepExpired() removed %d, want 0 (chart expires after an hour)", n)
	}
}

func TestTier_SweepExpired(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	tier.Set(ctx, "quote:AAPL", newEntry(datatype.Quote, `1`, t0))
	tier.Set(ctx, "charts:AAPL:1d", newEntry(datatype.Charts, `2`, t0))
	tier.Set(ctx, "fundamentals:AAPL", newEntry(datatype.Fundamentals, `3`, t0))

	tests := []struct {
		at   time.Time
		want int
	}{
		{t0.Add(time.Minute), 0},
		{t0.Add(6 * time.Minute), 1},
		{t0.Add(2 * time.Hour), 1},
		{t0.Add(25 * time.Hour), 1},
	}
	for _, tt := range tests {
		n, err := tier.SweepExpired(ctx, tt.at)
		if err != nil {
			t.Fatalf("SweepExpired(%v) error = %v", tt.at, err)
		}
		if n != tt.want {
			t.Errorf("SweepExpired(%v) = %d, want %d", tt.at.Sub(t0), n, tt.want)
		}
	}

	keys, _ := tier.Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("Keys() = %v, want none", keys)
	}
}

func TestTier_Cleanup(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	old := t0.Add(-8 * 24 * time.Hour)
	tier.Set(ctx, "fundamentals:OLD", newEntry(datatype.Fundamentals, `1`, old))
	tier.Set(ctx, "fundamentals:NEW", newEntry(datatype.Fundamentals, `2`, t0))

	n, err := tier.Cleanup(ctx, t0.Add(-DefaultRetention))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup() = %d, want 1", n)
	}
	if _, err := tier.Get(ctx, "fundamentals:NEW"); err != nil {
		t.Errorf("Get(NEW) error = %v", err)
	}
}

func TestTier_CeilingTriggersCleanup(t *testing.T) {
	tier := openTier(t,
		WithCeiling(1),
		WithClock(func() time.Time { return t0 }),
		WithRetention(time.Hour),
	)
	ctx := context.Background()

	tier.Set(ctx, "quote:OLD", newEntry(datatype.Quote, `1`, t0.Add(-2*time.Hour)))

	// Close waits for the background cleanup started by Set.
	path := tier.Path()
	if err := tier.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Get(ctx, "quote:OLD"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound after retention cleanup", err)
	}
}

func TestTier_DeleteMatching(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	for _, k := range []string{"quote:AAPL", "quote:MSFT", "charts:AAPL:1d"} {
		tier.Set(ctx, k, newEntry(datatype.Quote, `1`, t0))
	}

	n, err := tier.DeleteMatching(ctx, "quote:*")
	if err != nil {
		t.Fatalf("DeleteMatching() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteMatching() = %d, want 2", n)
	}

	keys, _ := tier.Keys(ctx)
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "charts:AAPL:1d" {
		t.Errorf("Keys() = %v", keys)
	}

	if err := tier.Delete(ctx, "charts:AAPL:1d"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := tier.Delete(ctx, "charts:AAPL:1d"); err != nil {
		t.Errorf("Delete() of a missing key error = %v", err)
	}
}

func TestTier_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	tier, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tier.Set(ctx, "quote:AAPL", newEntry(datatype.Quote, `{"price":150}`, t0))
	tier.SaveSnapshot(ctx, "usage", []byte(`[]`))
	tier.Close()

	tier, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer tier.Close()

	if _, err := tier.Get(ctx, "quote:AAPL"); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}
	data, err := tier.LoadSnapshot(ctx, "usage")
	if err != nil || string(data) != `[]` {
		t.Errorf("LoadSnapshot() = %q, %v", data, err)
	}
}

func TestTier_Clear(t *testing.T) {
	tier := openTier(t)
	ctx := context.Background()

	tier.Set(ctx, "quote:AAPL", newEntry(datatype.Quote, `1`, t0))
	tier.SaveSnapshot(ctx, "usage", []byte(`[]`))

	if err := tier.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := tier.Get(ctx, "quote:AAPL"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get() after Clear error = %v", err)
	}
	if _, err := tier.LoadSnapshot(ctx, "usage"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadSnapshot() after Clear error = %v", err)
	}

	// The layout survives Clear.
	if err := tier.Set(ctx, "quote:AAPL", newEntry(datatype.Quote, `1`, t0)); err != nil {
		t.Errorf("Set() after Clear error = %v", err)
	}
}

func TestTier_Size(t *testing.T) {
	tier := openTier(t)
	size, err := tier.Size(context.Background())
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size <= 0 {
		t.Errorf("Size() = %d, want positive", size)
	}
}

func TestTier_ClosedIsUnavailable(t *testing.T) {
	tier, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	tier.Close()

	_, err = tier.Get(context.Background(), "quote:AAPL")
	if !errors.Is(err, store.ErrTierUnavailable) {
		t.Errorf("Get() on closed tier error = %v, want ErrTierUnavailable", err)
	}
}

func TestTier_CanceledContext(t *testing.T) {
	tier := openTier(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tier.Set(ctx, "k", newEntry(datatype.Quote, `1`, t0)); !errors.Is(err, context.Canceled) {
		t.Errorf("Set() error = %v, want context.Canceled", err)
	}
}
