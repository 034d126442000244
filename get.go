package marketcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alfalyzer/marketcache/internal/codec"
	"github.com/alfalyzer/marketcache/internal/datatype"
	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/store"
)

// Get returns the value cached under key, calling fetch when no usable copy
// exists. Values are stored as JSON, so T must round-trip through
// encoding/json.
//
// The only errors are ErrClosed and a *FetchError matching ErrFetchFailed,
// returned when fetch fails and no copy of any age is cached.
func Get[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error), opts ...GetOption) (T, error) {
	var zero T

	raw := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}

	data, err := c.GetRaw(ctx, key, raw, opts...)
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, &FetchError{Key: key, Cause: fmt.Errorf("decoding cached value: %w", err)}
	}
	return v, nil
}

// GetRaw is Get for callers that handle encoding themselves. The returned
// slice belongs to the caller.
func (c *Cache) GetRaw(ctx context.Context, key string, fetch FetchFunc, opts ...GetOption) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	g := resolveGetOptions(opts)
	c.stats.IncCounter(stats.MetricGets, 1)

	if g.entityID != "" {
		c.recipes.Add(g.entityID, recipe{key: key, dataType: g.dataType, fetch: fetch})
	}

	if g.bypass {
		data, err := await(ctx, c.join(ctx, key, fetch, nil))
		if err != nil {
			return nil, &FetchError{Key: key, Cause: err}
		}
		c.recordAccess(g)
		return data, nil
	}

	cfg := c.registry.Config(g.dataType)
	now := c.now()

	// Expired copies found on the way down are kept as the fallback.
	var fallback *entry.Entry

	if !g.force {
		if e, ok := c.memory.Get(key); ok {
			if !e.Expired(now) {
				if data, ok := c.serve(ctx, key, e, cfg, fetch, g, now); ok {
					c.stats.IncCounter(stats.MetricMemoryHits, 1)
					return data, nil
				}
			} else {
				c.memory.Delete(key)
			}
			fallback = e
		}

		if e := c.readPersistent(ctx, key); e != nil {
			if !e.Expired(now) {
				c.memory.Set(key, e)
				if data, ok := c.serve(ctx, key, e, cfg, fetch, g, now); ok {
					c.stats.IncCounter(stats.MetricPersistHits, 1)
					return data, nil
				}
			} else {
				c.deletePersistent(ctx, key)
			}
			if fallback == nil || e.CreatedAt.After(fallback.CreatedAt) {
				fallback = e
			}
		}
	}

	c.misses.Add(1)
	c.stats.IncCounter(stats.MetricMisses, 1)

	data, err := c.fetchAndStore(ctx, key, fetch, g.dataType)
	if err == nil {
		c.recordAccess(g)
		return data, nil
	}

	if fallback == nil && g.force {
		fallback = c.peek(ctx, key)
	}
	if fallback != nil {
		if old, derr := c.decode(ctx, fallback); derr == nil {
			c.fallbacks.Add(1)
			c.stats.IncCounter(stats.MetricFallbacks, 1)
			c.logger.Warn("fetch failed, serving cached copy",
				zap.String("key", key),
				zap.Stringer("state", fallback.State(now)),
				zap.Time("createdAt", fallback.CreatedAt),
				zap.Error(err),
			)
			c.recordAccess(g)
			return old, nil
		}
	}

	return nil, &FetchError{Key: key, Cause: err}
}

// serve returns the decoded payload of a live entry, records the access and
// schedules a background refresh for stale entries. It reports false when
// the payload cannot be decoded, which the caller treats as a miss. Entries
// are only dropped when the payload itself is bad.
func (c *Cache) serve(ctx context.Context, key string, e *entry.Entry, cfg datatype.Config, fetch FetchFunc, g getOptions, now time.Time) ([]byte, bool) {
	data, err := c.decode(ctx, e)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false
		}
		c.logger.Warn("dropping undecodable entry", zap.String("key", key), zap.Error(err))
		c.memory.Delete(key)
		c.deletePersistent(ctx, key)
		return nil, false
	}

	c.hits.Add(1)
	c.memory.Touch(key, now)
	c.recordAccess(g)

	if e.State(now) == entry.Stale {
		c.staleServed.Add(1)
		c.stats.IncCounter(stats.MetricStaleServed, 1)
		c.maybeRefresh(key, e, cfg, fetch, g.dataType, now)
	}
	return data, true
}

// maybeRefresh starts a detached refresh of a stale entry when its data type
// is high priority, the refresh gate is open and the entry is still inside
// its stale refresh window. At most one refresh per key runs at a time.
func (c *Cache) maybeRefresh(key string, e *entry.Entry, cfg datatype.Config, fetch FetchFunc, dt datatype.DataType, now time.Time) {
	if cfg.Priority != datatype.High {
		return
	}
	if !now.Before(e.StaleAt.Add(cfg.StaleRefreshWindow)) {
		return
	}
	if c.gate != nil && !c.gate(now) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	if _, running := c.refreshing[key]; running {
		return
	}
	c.refreshing[key] = struct{}{}
	c.wg.Add(1)

	c.stats.IncCounter(stats.MetricRefreshes, 1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		// Wait out the whole flight so Close never races its write-through.
		if res := <-c.joinStore(c.bgCtx, key, fetch, dt); res.Err != nil {
			c.logger.Debug("background refresh failed", zap.String("key", key), zap.Error(res.Err))
		}
	}()
}

// fetchAndStore fetches key, joining any fetch already in flight, and
// writes the result through both tiers.
func (c *Cache) fetchAndStore(ctx context.Context, key string, fetch FetchFunc, dt datatype.DataType) ([]byte, error) {
	return await(ctx, c.joinStore(ctx, key, fetch, dt))
}

// joinStore is join with a write-through. A fetched payload is stored even if
// ctx ends after the fetch returns.
func (c *Cache) joinStore(ctx context.Context, key string, fetch FetchFunc, dt datatype.DataType) <-chan singleflight.Result {
	return c.join(ctx, key, fetch, func(payload []byte) {
		c.writeThrough(context.WithoutCancel(ctx), key, payload, dt)
	})
}

// join starts fetch for key through the singleflight group, or joins the one
// in flight. The leader calls onFetch, if any, before followers are released.
// The fetch runs under the leader's ctx.
func (c *Cache) join(ctx context.Context, key string, fetch FetchFunc, onFetch func([]byte)) <-chan singleflight.Result {
	return c.flight.DoChan(key, func() (any, error) {
		c.stats.IncCounter(stats.MetricFetches, 1)
		start := time.Now()
		payload, err := fetch(ctx)
		c.stats.ObserveHistogram(stats.MetricFetchSeconds, time.Since(start).Seconds())
		if err != nil {
			c.stats.IncCounter(stats.MetricFetchFailures, 1)
			return nil, err
		}
		if onFetch != nil {
			onFetch(payload)
		}
		return payload, nil
	})
}

// await waits for a joined fetch until ctx ends. Every caller gets its own
// copy of the payload.
func await(ctx context.Context, ch <-chan singleflight.Result) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		payload := res.Val.([]byte)
		return append([]byte(nil), payload...), nil
	}
}

// writeThrough builds an entry for payload and writes it through both tiers.
// Payloads of compressible data types are compressed when large enough.
func (c *Cache) writeThrough(ctx context.Context, key string, payload []byte, dt datatype.DataType) {
	cfg := c.registry.Config(dt)

	data, level := payload, codec.LevelNone
	if cfg.Compress {
		data, level = c.worker.Compress(ctx, payload)
	}

	if c.closed.Load() {
		return
	}
	e := entry.New(data, dt, cfg, level, c.now())
	if !c.memory.Set(key, e) {
		c.logger.Debug("entry exceeds memory ceiling", zap.String("key", key), zap.Int64("size", e.Size(key)))
	}
	if c.persistent != nil {
		if err := c.persistent.Set(ctx, key, e); err != nil {
			c.tierFailed("set", key, err)
		}
	}
}

// readPersistent returns the persisted entry for key, or nil on a miss.
// Entries from another schema version count as misses.
func (c *Cache) readPersistent(ctx context.Context, key string) *entry.Entry {
	if c.persistent == nil {
		return nil
	}
	e, err := c.persistent.Get(ctx, key)
	switch {
	case err == nil:
		return e
	case errors.Is(err, store.ErrNotFound):
	case errors.Is(err, entry.ErrSchemaMismatch):
		c.stats.IncCounter(stats.MetricSchemaMismatch, 1)
		c.logger.Debug("ignoring entry from another schema", zap.String("key", key), zap.Error(err))
	default:
		c.tierFailed("get", key, err)
	}
	return nil
}

func (c *Cache) deletePersistent(ctx context.Context, key string) {
	if c.persistent == nil {
		return
	}
	if err := c.persistent.Delete(ctx, key); err != nil {
		c.tierFailed("delete", key, err)
	}
}

// peek returns any cached copy of key, expired or not.
func (c *Cache) peek(ctx context.Context, key string) *entry.Entry {
	if e, ok := c.memory.Peek(key); ok {
		return e
	}
	return c.readPersistent(ctx, key)
}

// decode returns the uncompressed payload of e.
func (c *Cache) decode(ctx context.Context, e *entry.Entry) ([]byte, error) {
	if e.CompressionLevel == codec.LevelNone {
		return e.Data, nil
	}
	return c.worker.Decompress(ctx, e.Data, e.CompressionLevel)
}

func (c *Cache) recordAccess(g getOptions) {
	if g.entityID != "" {
		c.usage.RecordAccess(g.entityID, g.interaction)
	}
}
