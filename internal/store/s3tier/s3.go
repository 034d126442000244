// Package s3tier implements the persistent tier on AWS S3 or an
// S3-compatible service. Each entry is one object under
// <prefix>/<partition>/, with its expiry and creation times in the object
// metadata.
package s3tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/store"
)

// Compile-time checks that Tier implements the store interfaces.
var (
	_ store.Tier          = (*Tier)(nil)
	_ store.SnapshotStore = (*Tier)(nil)
)

// API is the subset of the S3 client used by the tier.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Tier is an S3-backed persistent tier.
type Tier struct {
	client API
	bucket string
	layout store.Layout
}

// Option configures a Tier.
type Option func(*Tier) error

// WithPrefix sets a key prefix for all objects.
func WithPrefix(prefix string) Option {
	return func(t *Tier) error {
		t.layout = store.NewLayout(prefix)
		return nil
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(t *Tier) error {
		cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
		if err != nil {
			return fmt.Errorf("loading AWS config with region: %w", err)
		}
		t.client = s3.NewFromConfig(cfg)
		return nil
	}
}

// WithEndpoint sets a custom endpoint (for S3-compatible services like MinIO).
func WithEndpoint(endpoint string) Option {
	return func(t *Tier) error {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("loading AWS config for endpoint: %w", err)
		}
		t.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		return nil
	}
}

// WithClient replaces the S3 client.
func WithClient(c API) Option {
	return func(t *Tier) error {
		t.client = c
		return nil
	}
}

// New creates an S3 tier on an existing bucket using the default AWS
// credential chain.
func New(ctx context.Context, bucket string, opts ...Option) (*Tier, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newTier(s3.NewFromConfig(cfg), bucket, opts...)
}

func newTier(client API, bucket string, opts ...Option) (*Tier, error) {
	t := &Tier{client: client, bucket: bucket}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: s3 %s: %w", store.ErrTierUnavailable, op, err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
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
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("get "+object, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, unavailable("read "+object, err)
	}
	return data, nil
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
	object := t.layout.Object(partition, key)
	if _, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(object),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata:    store.EncodeMetadata(e),
	}); err != nil {
		return unavailable("put "+object, err)
	}

	for _, p := range store.EntryPartitions() {
		if p == partition {
			continue
		}
		if err := t.remove(ctx, t.layout.Object(p, key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) remove(ctx context.Context, object string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(object),
	})
	if err != nil && !isNotFound(err) {
		return unavailable("delete "+object, err)
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
func (t *Tier) walk(ctx context.Context, dir string, fn func(types.Object) error) error {
	pages := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(dir),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return unavailable("list "+dir, err)
		}
		for _, obj := range page.Contents {
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteWhere removes every entry object for which match returns true.
func (t *Tier) deleteWhere(ctx context.Context, match func(partition, key string, obj types.Object) (bool, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range store.EntryPartitions() {
		var doomed []string
		err := t.walk(ctx, t.layout.Dir(p), func(obj types.Object) error {
			name := aws.ToString(obj.Key)
			key, ok := t.layout.Key(p, name)
			if !ok {
				return nil
			}
			hit, err := match(p, key, obj)
			if err != nil {
				return err
			}
			if hit {
				doomed = append(doomed, name)
			}
			return nil
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
	return t.deleteWhere(ctx, func(_, key string, _ types.Object) (bool, error) {
		return store.Match(pattern, key), nil
	})
}

// SweepExpired removes entries whose expiry metadata is before now.
// Listings carry no user metadata, so each candidate costs a HEAD request.
func (t *Tier) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	return t.deleteWhere(ctx, func(_, _ string, obj types.Object) (bool, error) {
		head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    obj.Key,
		})
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, unavailable("head "+aws.ToString(obj.Key), err)
		}
		expiresAt, ok := store.DecodeExpiry(head.Metadata)
		// Objects without readable metadata cannot be served; drop them.
		return !ok || expiresAt.Before(now), nil
	})
}

// Cleanup removes entries whose objects were last written before olderThan.
func (t *Tier) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return t.deleteWhere(ctx, func(_, _ string, obj types.Object) (bool, error) {
		return obj.LastModified != nil && obj.LastModified.Before(olderThan), nil
	})
}

// Size returns the summed size of every object under the prefix.
func (t *Tier) Size(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var total int64
	err := t.walk(ctx, t.layout.Prefix(), func(obj types.Object) error {
		total += aws.ToInt64(obj.Size)
		return nil
	})
	return total, err
}

// Clear removes every entry and snapshot under the prefix.
func (t *Tier) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dirs := append(store.EntryPartitions(), store.MetadataPartition)
	for _, p := range dirs {
		var names []string
		if err := t.walk(ctx, t.layout.Dir(p), func(obj types.Object) error {
			names = append(names, aws.ToString(obj.Key))
			return nil
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
	object := t.layout.Snapshot(name)
	if _, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(object),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return unavailable("put "+object, err)
	}
	return nil
}

// LoadSnapshot reads the snapshot saved under name, or ErrNotFound.
func (t *Tier) LoadSnapshot(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.read(ctx, t.layout.Snapshot(name))
}

// Close releases resources.
func (t *Tier) Close() error {
	// S3 client doesn't need explicit closing.
	return nil
}
