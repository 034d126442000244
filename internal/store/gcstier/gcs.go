// Package gcstier implements the persistent tier on Google Cloud Storage.
package gcstier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

// Compile-time checks that Tier implements the store interfaces.
var (
	_ store.Tier          = (*Tier)(nil)
	_ store.SnapshotStore = (*Tier)(nil)
)

// Tier is a Google Cloud Storage persistent tier.
type Tier struct {
	client *storage.Client
	bucket *storage.BucketHandle
	layout store.Layout
}

// New creates a GCS tier on an existing bucket.
func New(ctx context.Context, bucketName string, opts ...Option) (*Tier, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	t := &Tier{
		client: client,
		bucket: client.Bucket(bucketName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Option configures a Tier.
type Option func(*Tier)

// WithPrefix sets a key prefix for all objects.
func WithPrefix(prefix string) Option {
	return func(t *Tier) {
		t.layout = store.NewLayout(prefix)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: gcs %s: %w", store.ErrTierUnavailable, op, err)
}

// Get returns the entry stored under key, looking through every partition.
func (t *Tier) Get(ctx context.Context, key string) (*entry.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, p := range store.EntryPartitions() {
		data, err := t.read(ctx, t.layout.Object(p, key))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entry.Unmarshal(data)
	}
	return nil, store.ErrNotFound
}

func (t *Tier) read(ctx context.Context, object string) ([]byte, error) {
	reader, err := t.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("read "+object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, unavailable("read "+object, err)
	}
	return data, nil
}

func (t *Tier) write(ctx context.Context, object string, data []byte, md map[string]string) error {
	w := t.bucket.Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = md
	if _, err := w.Write(data); err != nil {
		w.Close()
		return unavailable("write "+object, err)
	}
	if err := w.Close(); err != nil {
		return unavailable("write "+object, err)
	}
	return nil
}

func (t *Tier) remove(ctx context.Context, object string) error {
	err := t.bucket.Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return unavailable("delete "+object, err)
	}
	return nil
}

// Set writes e to its partition and removes copies left in other partitions.
func (t *Tier) Set(ctx context.Context, key string, e *entry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := e.Marshal()
	if err != nil {
		return err
	}

	partition := e.DataType.Partition()
	if err := t.write(ctx, t.layout.Object(partition, key), data, store.EncodeMetadata(e)); err != nil {
		return err
	}
	for _, p := range store.EntryPartitions() {
		if p != partition {
			if err := t.remove(ctx, t.layout.Object(p, key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes key from every partition.
func (t *Tier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range store.EntryPartitions() {
		if err := t.remove(ctx, t.layout.Object(p, key)); err != nil {
			return err
		}
	}
	return nil
}

// walk calls fn for every object under dir.
func (t *Tier) walk(ctx context.Context, dir string, fn func(*storage.ObjectAttrs)) error {
	it := t.bucket.Objects(ctx, &storage.Query{Prefix: dir})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return unavailable("list "+dir, err)
		}
		fn(attrs)
	}
}

// deleteWhere removes every entry object for which match returns true.
// GCS listings include custom metadata, so no per-object request is needed.
func (t *Tier) deleteWhere(ctx context.Context, match func(key string, attrs *storage.ObjectAttrs) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range store.EntryPartitions() {
		var doomed []string
		err := t.walk(ctx, t.layout.Dir(p), func(attrs *storage.ObjectAttrs) {
			if key, ok := t.layout.Key(p, attrs.Name); ok && match(key, attrs) {
				doomed = append(doomed, attrs.Name)
			}
		})
		if err != nil {
			return n, err
		}
		for _, name := range doomed {
			if err := t.remove(ctx, name); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// DeleteMatching removes every key matching the glob pattern.
func (t *Tier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	return t.deleteWhere(ctx, func(key string, _ *storage.ObjectAttrs) bool {
		return store.Match(pattern, key)
	})
}

// SweepExpired removes entries whose expiry metadata is before now.
func (t *Tier) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return t.deleteWhere(ctx, func(_ string, attrs *storage.ObjectAttrs) bool {
		return expired(attrs.Metadata, now)
	})
}

// expired reports whether metadata marks an object as expired at now.
// Objects without readable metadata cannot be served and count as expired.
func expired(md map[string]string, now time.Time) bool {
	expiresAt, ok := store.DecodeExpiry(md)
	return !ok || expiresAt.Before(now)
}

// Cleanup removes entries whose objects were written before olderThan.
func (t *Tier) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return t.deleteWhere(ctx, func(_ string, attrs *storage.ObjectAttrs) bool {
		return attrs.Updated.Before(olderThan)
	})
}

// Size returns the summed size of every object under the prefix.
func (t *Tier) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total int64
	err := t.walk(ctx, t.layout.Prefix(), func(attrs *storage.ObjectAttrs) {
		total += attrs.Size
	})
	return total, err
}

// Clear removes every entry and snapshot under the prefix.
func (t *Tier) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range append(store.EntryPartitions(), store.MetadataPartition) {
		var names []string
		if err := t.walk(ctx, t.layout.Dir(p), func(attrs *storage.ObjectAttrs) {
			names = append(names, attrs.Name)
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := t.remove(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveSnapshot writes data under <prefix>/metadata/<name>.
func (t *Tier) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write(ctx, t.layout.Snapshot(name), data, nil)
}

// LoadSnapshot reads the snapshot saved under name, or ErrNotFound.
func (t *Tier) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.read(ctx, t.layout.Snapshot(name))
}

// Close releases the GCS client.
func (t *Tier) Close() error {
	return t.client.Close()
}
