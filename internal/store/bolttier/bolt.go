// Package bolttier implements the persistent tier on an embedded bbolt file.
//
// Layout: one top-level bucket per partition (quotes, fundamentals, charts,
// metadata). Each partition holds an "entries" bucket keyed by cache key and
// two index buckets, "expiry" and "created", keyed by an 8-byte big-endian
// UnixNano timestamp followed by the cache key. The indexes let sweeps walk
// only the entries that are due instead of scanning the partition.
package bolttier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

// Compile-time checks that Tier implements the store interfaces.
var (
	_ store.Tier          = (*Tier)(nil)
	_ store.SnapshotStore = (*Tier)(nil)
)

const (
	// FileName is the database file created inside the data directory.
	FileName = "marketcache.db"

	// DefaultCeiling is the file size that triggers a retention cleanup.
	DefaultCeiling = 500 << 20

	// DefaultRetention is how long entries survive the safety cleanup.
	DefaultRetention = 7 * 24 * time.Hour
)

var (
	bucketEntries   = []byte("entries")
	bucketExpiry    = []byte("expiry")
	bucketCreated   = []byte("created")
	bucketSnapshots = []byte("snapshots")
)

// partitions lists every top-level bucket.
func partitions() [][]byte {
	out := make([][]byte, 0, len(datatype.All)+1)
	for _, dt := range datatype.All {
		out = append(out, []byte(dt.Partition()))
	}
	return append(out, []byte(store.MetadataPartition))
}

// Tier is a bbolt-backed persistent tier.
type Tier struct {
	db        *bolt.DB
	path      string
	ceiling   int64
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger

	cleaning atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Tier.
type Option func(*Tier)

// WithCeiling sets the file size above which a retention cleanup runs.
func WithCeiling(bytes int64) Option {
	return func(t *Tier) { t.ceiling = bytes }
}

// WithRetention sets the age after which the safety cleanup removes entries.
func WithRetention(d time.Duration) Option {
	return func(t *Tier) { t.retention = d }
}

// WithClock sets the time source used by the safety cleanup.
func WithClock(now func() time.Time) Option {
	return func(t *Tier) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tier) { t.logger = l }
}

// Open opens or creates the database inside dir.
// The directory must exist.
func Open(dir string, opts ...Option) (*Tier, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat data directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	t := &Tier{
		path:      filepath.Join(dir, FileName),
		ceiling:   DefaultCeiling,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	db, err := bolt.Open(t.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", t.path, err)
	}
	t.db = db

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, p := range partitions() {
			b, err := tx.CreateBucketIfNotExists(p)
			if err != nil {
				return err
			}
			for _, sub := range [][]byte{bucketEntries, bucketExpiry, bucketCreated} {
				if _, err := b.CreateBucketIfNotExists(sub); err != nil {
					return err
				}
			}
		}
		meta := tx.Bucket([]byte(store.MetadataPartition))
		_, err := meta.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}

	return t, nil
}

// Path returns the database file path.
func (t *Tier) Path() string {
	return t.path
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrTierUnavailable, op, err)
}

// indexKey encodes ts followed by key so cursors walk in time order.
func indexKey(ts time.Time, key string) []byte {
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out, uint64(ts.UnixNano()))
	copy(out[8:], key)
	return out
}

// locate finds the partition bucket currently holding key.
func locate(tx *bolt.Tx, key []byte) (*bolt.Bucket, []byte) {
	for _, p := range partitions() {
		b := tx.Bucket(p)
		if b == nil {
			continue
		}
		if v := b.Bucket(bucketEntries).Get(key); v != nil {
			return b, v
		}
	}
	return nil, nil
}

// Get returns the entry stored under key.
func (t *Tier) Get(ctx context.Context, key string) (*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		if _, v := locate(tx, []byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("get "+key, err)
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	return entry.Unmarshal(raw)
}

// Set stores e under key, replacing any previous entry and its index rows.
func (t *Tier) Set(ctx context.Context, key string, e *entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := e.Marshal()
	if err != nil {
		return err
	}

	var size int64
	err = t.db.Update(func(tx *bolt.Tx) error {
		k := []byte(key)
		if err := removeKey(tx, k); err != nil {
			return err
		}

		b := tx.Bucket([]byte(e.DataType.Partition()))
		if err := b.Bucket(bucketEntries).Put(k, data); err != nil {
			return err
		}
		if err := b.Bucket(bucketExpiry).Put(indexKey(e.ExpiresAt, key), nil); err != nil {
			return err
		}
		if err := b.Bucket(bucketCreated).Put(indexKey(e.CreatedAt, key), nil); err != nil {
			return err
		}
		size = tx.Size()
		return nil
	})
	if err != nil {
		return unavailable("set "+key, err)
	}

	if t.ceiling > 0 && size > t.ceiling {
		t.cleanupAsync()
	}
	return nil
}

// removeKey deletes key and its index rows from whichever partition holds it.
func removeKey(tx *bolt.Tx, key []byte) error {
	b, v := locate(tx, key)
	if b == nil {
		return nil
	}

	if old, err := entry.Unmarshal(v); err == nil {
		if err := b.Bucket(bucketExpiry).Delete(indexKey(old.ExpiresAt, string(key))); err != nil {
			return err
		}
		if err := b.Bucket(bucketCreated).Delete(indexKey(old.CreatedAt, string(key))); err != nil {
			return err
		}
	} else {
		// Undecodable rows leave orphaned index rows; purge them by key.
		for _, idx := range [][]byte{bucketExpiry, bucketCreated} {
			if err := purgeIndex(b.Bucket(idx), key); err != nil {
				return err
			}
		}
	}
	return b.Bucket(bucketEntries).Delete(key)
}

func purgeIndex(idx *bolt.Bucket, key []byte) error {
	var stale [][]byte
	c := idx.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) >= 8 && bytes.Equal(k[8:], key) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := idx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key.
func (t *Tier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.db.Update(func(tx *bolt.Tx) error {
		return removeKey(tx, []byte(key))
	}); err != nil {
		return unavailable("delete "+key, err)
	}
	return nil
}

// DeleteMatching removes every key matching the glob pattern.
func (t *Tier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte
		for _, p := range partitions() {
			c := tx.Bucket(p).Bucket(bucketEntries).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if store.Match(pattern, string(k)) {
					keys = append(keys, append([]byte(nil), k...))
				}
			}
		}
		for _, k := range keys {
			if err := removeKey(tx, k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	if err != nil {
		return 0, unavailable("delete matching "+pattern, err)
	}
	return n, nil
}

// SweepExpired removes entries whose ExpiresAt is before now.
func (t *Tier) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := t.sweepIndex(ctx, bucketExpiry, now)
	if err != nil {
		return n, unavailable("sweep expired", err)
	}
	return n, nil
}

// Cleanup removes entries created before olderThan.
func (t *Tier) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := t.sweepIndex(ctx, bucketCreated, olderThan)
	if err != nil {
		return n, unavailable("cleanup", err)
	}
	return n, nil
}

// sweepIndex walks the index bucket of every partition in time order and
// removes the entries whose timestamp is before cutoff.
func (t *Tier) sweepIndex(ctx context.Context, index []byte, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(cutoff.UnixNano()))

	n := 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		for _, p := range partitions() {
			var keys [][]byte
			c := tx.Bucket(p).Bucket(index).Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k[8:]...))
			}
			for _, k := range keys {
				if err := removeKey(tx, k); err != nil {
					return err
				}
			}
			n += len(keys)
		}
		return nil
	})
	return n, err
}

// cleanupAsync runs one retention cleanup in the background unless one is
// already running.
func (t *Tier) cleanupAsync() {
	if !t.cleaning.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.cleaning.Store(false)

		cutoff := t.now().Add(-t.retention)
		n, err := t.Cleanup(context.Background(), cutoff)
		if err != nil {
			t.logger.Warn("retention cleanup failed", zap.Error(err))
			return
		}
		t.logger.Info("retention cleanup", zap.Int("removed", n), zap.Time("cutoff", cutoff))
	}()
}

// Size returns the database size in bytes.
func (t *Tier) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size int64
	if err := t.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	}); err != nil {
		return 0, unavailable("size", err)
	}
	return size, nil
}

// PartitionStats reports the entry count of each partition.
func (t *Tier) PartitionStats(ctx context.Context) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]int)
	err := t.db.View(func(tx *bolt.Tx) error {
		for _, p := range partitions() {
			out[string(p)] = tx.Bucket(p).Bucket(bucketEntries).Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return out, nil
}

// Keys returns every stored key in partition order.
func (t *Tier) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := t.db.View(func(tx *bolt.Tx) error {
		for _, p := range partitions() {
			if err := tx.Bucket(p).Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("keys", err)
	}
	return keys, nil
}

// Clear removes every entry and snapshot, keeping the bucket layout.
func (t *Tier) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := t.db.Update(func(tx *bolt.Tx) error {
		for _, p := range partitions() {
			b := tx.Bucket(p)
			for _, sub := range [][]byte{bucketEntries, bucketExpiry, bucketCreated} {
				if err := b.DeleteBucket(sub); err != nil {
					return err
				}
				if _, err := b.CreateBucket(sub); err != nil {
					return err
				}
			}
		}
		meta := tx.Bucket([]byte(store.MetadataPartition))
		if err := meta.DeleteBucket(bucketSnapshots); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := meta.CreateBucket(bucketSnapshots)
		return err
	})
	if err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// SaveSnapshot stores data under name in the metadata partition.
func (t *Tier) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.MetadataPartition)).Bucket(bucketSnapshots).Put([]byte(name), data)
	}); err != nil {
		return unavailable("save snapshot "+name, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot saved under name, or ErrNotFound.
func (t *Tier) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	if err := t.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(store.MetadataPartition)).Bucket(bucketSnapshots).Get([]byte(name)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, unavailable("load snapshot "+name, err)
	}
	if data == nil {
		return nil, store.ErrNotFound
	}
	return data, nil
}

// Close waits for any background cleanup and closes the database.
func (t *Tier) Close() error {
	t.wg.Wait()
	return t.db.Close()
}
