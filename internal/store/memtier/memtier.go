// Package memtier implements the in-memory tier: an LRU bounded by the total
// byte size of its entries rather than by entry count.
package memtier

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/alfalyzer/marketcache/internal/entry"
	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/store"
)

// DefaultCeiling is the default byte ceiling.
const DefaultCeiling = 50 << 20

// Tier is a thread-safe byte-bounded LRU of cache entries.
// Entries go in and come out as clones.
type Tier struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry.Entry]
	bytes   int64
	ceiling int64

	collector stats.Collector
}

// New creates a tier holding at most ceiling bytes.
// A ceiling of zero or less selects DefaultCeiling.
// The collector is optional; if nil, a no-op collector is used.
func New(ceiling int64, collector stats.Collector) *Tier {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if collector == nil {
		collector = stats.NewNoop()
	}
	t := &Tier{ceiling: ceiling, collector: collector}

	// The byte ceiling is the only bound; the count limit is never reached.
	l, err := simplelru.NewLRU[string, *entry.Entry](math.MaxInt32, func(key string, e *entry.Entry) {
		t.bytes -= e.Size(key)
	})
	if err != nil {
		panic(err)
	}
	t.lru = l
	return t
}

// Get returns a copy of the entry under key and marks it most recently used.
func (t *Tier) Get(key string) (*entry.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Peek returns a copy of the entry under key without changing its recency.
func (t *Tier) Peek(key string) (*entry.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Touch records an access on the stored entry.
func (t *Tier) Touch(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Peek(key)
	if ok {
		e.Touch(now)
	}
	return ok
}

// Set stores a copy of e, evicting least recently used entries until it fits.
// An entry larger than the ceiling is rejected and Set returns false.
func (t *Tier) Set(key string, e *entry.Entry) bool {
	size := e.Size(key)
	if size > t.ceiling {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lru.Remove(key)

	evicted := 0
	for t.bytes+size > t.ceiling {
		if _, _, ok := t.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	if evicted > 0 {
		t.collector.IncCounter(stats.MetricEvictions, int64(evicted))
	}

	t.lru.Add(key, e.Clone())
	t.bytes += size
	t.report()
	return true
}

// Delete removes key.
func (t *Tier) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.lru.Remove(key)
	t.report()
	return ok
}

// DeleteMatching removes every key matching the glob pattern.
func (t *Tier) DeleteMatching(pattern string) int {
	return t.removeWhere(func(key string, _ *entry.Entry) bool {
		return store.Match(pattern, key)
	})
}

// Sweep removes entries whose ExpiresAt is before now.
func (t *Tier) Sweep(now time.Time) int {
	return t.removeWhere(func(_ string, e *entry.Entry) bool {
		return e.ExpiresAt.Before(now)
	})
}

func (t *Tier) removeWhere(match func(string, *entry.Entry) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, key := range t.lru.Keys() {
		e, ok := t.lru.Peek(key)
		if ok && match(key, e) {
			t.lru.Remove(key)
			n++
		}
	}
	if n > 0 {
		t.report()
	}
	return n
}

// Keys returns the stored keys from least to most recently used.
func (t *Tier) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Keys()
}

// Len returns the number of entries.
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Bytes returns the summed size of all entries.
func (t *Tier) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Ceiling returns the byte ceiling.
func (t *Tier) Ceiling() int64 {
	return t.ceiling
}

// Clear removes every entry.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Purge()
	t.bytes = 0
	t.report()
}

// report publishes the size gauges. Callers hold mu.
func (t *Tier) report() {
	t.collector.SetGauge(stats.MetricMemoryEntries, int64(t.lru.Len()))
	t.collector.SetGauge(stats.MetricMemoryBytes, t.bytes)
}
