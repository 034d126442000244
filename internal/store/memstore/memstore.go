// Package memstore provides an in-memory persistent tier for testing.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

// Compile-time checks that Store implements the store interfaces.
var (
	_ store.Tier          = (*Store)(nil)
	_ store.SnapshotStore = (*Store)(nil)
)

// ErrInjected is returned by every operation after Fail(true).
var ErrInjected = errors.New("memstore: injected failure")

// Store is an in-memory tier for testing.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry.Entry
	snapshots map[string][]byte
	failing   bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		entries:   make(map[string]*entry.Entry),
		snapshots: make(map[string][]byte),
	}
}

// Fail makes every subsequent operation return an ErrTierUnavailable error
// until called again with false.
func (s *Store) Fail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = fail
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failing {
		return errors.Join(store.ErrTierUnavailable, ErrInjected)
	}
	return nil
}

// Get returns a copy of the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	e, ok := s.entries[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// Set stores a copy of e. The copy prevents caller mutations from leaking in.
func (s *Store) Set(ctx context.Context, key string, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.entries[key] = e.Clone()
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

// DeleteMatching removes every key matching pattern.
func (s *Store) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	return s.deleteWhere(ctx, func(key string, _ *entry.Entry) bool {
		return store.Match(pattern, key)
	})
}

// SweepExpired removes entries that expired before now.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, func(_ string, e *entry.Entry) bool {
		return e.ExpiresAt.Before(now)
	})
}

// Cleanup removes entries created before olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return s.deleteWhere(ctx, func(_ string, e *entry.Entry) bool {
		return e.CreatedAt.Before(olderThan)
	})
}

func (s *Store) deleteWhere(ctx context.Context, match func(string, *entry.Entry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	n := 0
	for k, e := range s.entries {
		if match(k, e) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Size returns the summed entry sizes.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	var total int64
	for k, e := range s.entries {
		total += e.Size(k)
	}
	return total, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put stores e as-is, bypassing validation (for test setup of legacy entries).
func (s *Store) Put(key string, e *entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e.Clone()
}

// Clear removes all entries and snapshots.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.entries = make(map[string]*entry.Entry)
	s.snapshots = make(map[string][]byte)
	return nil
}

// SaveSnapshot stores a copy of data under name.
func (s *Store) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.snapshots[name] = append([]byte(nil), data...)
	return nil
}

// LoadSnapshot returns the snapshot saved under name, or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	data, ok := s.snapshots[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
