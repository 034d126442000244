// Package usage tracks how often and how recently entities are viewed.
// The prefetcher ranks entities from these records.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alfalyzer/marketcache/internal/store"
)

const (
	// SnapshotName is the name records are persisted under.
	SnapshotName = "usage"

	// MaxInteractions bounds the interaction ring of each record.
	MaxInteractions = 10

	viewWeight    = 0.7
	recencyWeight = 0.3
)

// Record is the usage history of one entity.
type Record struct {
	EntityID     string    `json:"entity_id"`
	ViewCount    int64     `json:"view_count"`
	LastViewedAt time.Time `json:"last_viewed_at"`
	Interactions []string  `json:"interactions"`
}

// Score ranks r at now: views raise it, seconds since the last view lower it.
func Score(r Record, now time.Time) float64 {
	return viewWeight*float64(r.ViewCount) - recencyWeight*now.Sub(r.LastViewedAt).Seconds()
}

func (r *Record) clone() Record {
	c := *r
	c.Interactions = append([]string(nil), r.Interactions...)
	return c
}

// Tracker records entity accesses. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	dirty   bool

	snapshots store.SnapshotStore
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source stamped on accesses.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a tracker persisting through snapshots.
// A nil snapshots store keeps records in memory only.
func New(snapshots store.SnapshotStore, opts ...Option) *Tracker {
	t := &Tracker{
		records:   make(map[string]*Record),
		snapshots: snapshots,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordAccess counts a view of entityID and appends tag to its
// interaction ring, dropping the oldest tag once the ring is full.
func (t *Tracker) RecordAccess(entityID, tag string) {
	if entityID == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[entityID]
	if !ok {
		r = &Record{EntityID: entityID}
		t.records[entityID] = r
	}
	r.ViewCount++
	r.LastViewedAt = now
	if tag != "" {
		r.Interactions = append(r.Interactions, tag)
		if over := len(r.Interactions) - MaxInteractions; over > 0 {
			r.Interactions = append(r.Interactions[:0], r.Interactions[over:]...)
		}
	}
	t.dirty = true
}

// Get returns a copy of the record for entityID.
func (t *Tracker) Get(entityID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[entityID]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns copies of all records ordered by entity ID.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Record {
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Restore replaces all records. Interaction rings longer than
// MaxInteractions keep their newest tags.
func (t *Tracker) Restore(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*Record, len(records))
	for _, r := range records {
		if r.EntityID == "" {
			continue
		}
		c := r.clone()
		if over := len(c.Interactions) - MaxInteractions; over > 0 {
			c.Interactions = c.Interactions[over:]
		}
		t.records[r.EntityID] = &c
	}
	t.dirty = false
}

// Top returns up to n records ordered by descending Score at now.
// Ties are broken by entity ID.
func (t *Tracker) Top(n int, now time.Time) []Record {
	if n <= 0 {
		return nil
	}
	all := t.Snapshot()
	sort.SliceStable(all, func(i, j int) bool {
		return Score(all[i], now) > Score(all[j], now)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Reset forgets every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
	t.dirty = true
}

// Dirty reports whether records changed since the last Persist or Load.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Persist saves the records when they changed since the last save.
func (t *Tracker) Persist(ctx context.Context) error {
	if t.snapshots == nil {
		return nil
	}

	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	records := t.snapshotLocked()
	t.dirty = false
	t.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding usage: %w", err)
	}
	if err := t.snapshots.SaveSnapshot(ctx, SnapshotName, data); err != nil {
		// Try again on the next pass.
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
		return fmt.Errorf("saving usage: %w", err)
	}

	t.logger.Debug("usage persisted", zap.Int("records", len(records)))
	return nil
}

// Load restores records saved by Persist. A missing snapshot is not an error.
func (t *Tracker) Load(ctx context.Context) error {
	if t.snapshots == nil {
		return nil
	}

	data, err := t.snapshots.LoadSnapshot(ctx, SnapshotName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decoding usage: %w", err)
	}
	t.Restore(records)

	t.logger.Debug("usage loaded", zap.Int("records", len(records)))
	return nil
}
