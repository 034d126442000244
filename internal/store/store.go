// Package store defines the persistent tier interface shared by the bbolt,
// S3 and GCS backends.
package store

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/alfalyzer/marketcache/internal/entry"
)

var (
	// ErrNotFound is returned when a key does not exist in the tier.
	ErrNotFound = errors.New("store: entry not found")

	// ErrTierUnavailable wraps every I/O failure of a persistent tier.
	// Callers degrade to memory-only operation when they see it.
	ErrTierUnavailable = errors.New("store: tier unavailable")
)

// Tier is a durable key-value tier holding cache entries.
// Implementations own their storage and hand out copies only.
type Tier interface {
	// Get returns the entry stored under key, or ErrNotFound.
	// Entries written by another schema version yield entry.ErrSchemaMismatch.
	Get(ctx context.Context, key string) (*entry.Entry, error)

	// Set stores a copy of e under key, replacing any previous entry.
	Set(ctx context.Context, key string, e *entry.Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMatching removes every key matching the glob pattern and
	// returns how many were removed.
	DeleteMatching(ctx context.Context, pattern string) (int, error)

	// SweepExpired removes entries whose ExpiresAt is before now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Cleanup removes entries created before olderThan regardless of expiry.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Size returns the storage footprint in bytes.
	Size(ctx context.Context) (int64, error)

	// Clear removes every entry and snapshot.
	Clear(ctx context.Context) error

	// Close releases any resources held by the tier.
	Close() error
}

// SnapshotStore persists small named blobs next to the cache entries.
// The usage tracker saves its records through it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, name string, data []byte) error
	LoadSnapshot(ctx context.Context, name string) ([]byte, error)
}

// Match reports whether key matches the glob pattern (path.Match syntax).
// A malformed pattern matches nothing.
func Match(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// ValidPattern reports whether pattern is a well-formed glob.
func ValidPattern(pattern string) error {
	_, err := path.Match(pattern, "")
	return err
}
