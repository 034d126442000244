package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func quote(at time.Time) *entry.Entry {
	return entry.New([]byte(`{"price":150}`), datatype.Quote, datatype.Defaults()[datatype.Quote], 0, at)
}

func TestStore_GetSetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Get(ctx, "quote:AAPL"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "quote:AAPL", quote(t0)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, "quote:AAPL")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != `{"price":150}` {
		t.Errorf("Data = %s", got.Data)
	}

	if err := s.Delete(ctx, "quote:AAPL"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestStore_SchemaMismatch(t *testing.T) {
	s := New()
	legacy := quote(t0)
	legacy.Version = 1
	s.Put("quote:AAPL", legacy)

	if _, err := s.Get(context.Background(), "quote:AAPL"); !errors.Is(err, entry.ErrSchemaMismatch) {
		t.Errorf("Get() error = %v, want ErrSchemaMismatch", err)
	}
}

func TestStore_Sweeps(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Set(ctx, "quote:OLD", quote(t0.Add(-48*time.Hour)))
	s.Set(ctx, "quote:NEW", quote(t0))

	n, err := s.SweepExpired(ctx, t0)
	if err != nil || n != 1 {
		t.Errorf("SweepExpired() = %d, %v; want 1", n, err)
	}

	n, err = s.Cleanup(ctx, t0.Add(time.Second))
	if err != nil || n != 1 {
		t.Errorf("Cleanup() = %d, %v; want 1", n, err)
	}
}

func TestStore_FailInjection(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Fail(true)

	if err := s.Set(ctx, "k", quote(t0)); !errors.Is(err, store.ErrTierUnavailable) {
		t.Errorf("Set() error = %v, want ErrTierUnavailable", err)
	}
	if _, err := s.LoadSnapshot(ctx, "usage"); !errors.Is(err, ErrInjected) {
		t.Errorf("LoadSnapshot() error = %v, want ErrInjected", err)
	}

	s.Fail(false)
	if err := s.Set(ctx, "k", quote(t0)); err != nil {
		t.Errorf("Set() after recovery error = %v", err)
	}
}

func TestStore_Snapshots(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx, "usage"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrNotFound", err)
	}

	data := []byte(`[{"entity_id":"AAPL"}]`)
	if err := s.SaveSnapshot(ctx, "usage", data); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	data[0] = 'X'

	got, err := s.LoadSnapshot(ctx, "usage")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if got[0] != '[' {
		t.Error("snapshot aliases the caller's buffer")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := s.LoadSnapshot(ctx, "usage"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadSnapshot() after Clear error = %v", err)
	}
}
