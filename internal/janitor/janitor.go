// Package janitor periodically removes expired entries from both tiers,
// applies the persistent tier's retention window and saves usage records.
package janitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alfalyzer/marketcache/internal/stats"
)

const (
	// DefaultInterval is the time between sweeps.
	DefaultInterval = 5 * time.Minute

	// DefaultRetention is the age after which persisted entries are removed
	// even if they never expired.
	DefaultRetention = 7 * 24 * time.Hour

	// DefaultPersistInterval is the time between usage saves.
	DefaultPersistInterval = time.Minute
)

// MemorySweeper removes expired entries from the memory tier.
type MemorySweeper interface {
	Sweep(now time.Time) int
}

// PersistentSweeper removes entries from the persistent tier.
type PersistentSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
}

// Persister saves state that must survive restarts.
type Persister interface {
	Persist(ctx context.Context) error
}

// Result reports what one pass removed.
type Result struct {
	Memory  int // expired entries removed from memory
	Expired int // expired entries removed from the persistent tier
	Retired int // entries past the retention window
}

// Janitor runs sweep passes on an interval.
type Janitor struct {
	memory     MemorySweeper
	persistent PersistentSweeper
	usage      Persister

	interval        time.Duration
	persistInterval time.Duration
	retention       time.Duration
	now             func() time.Time
	logger          *zap.Logger
	collector       stats.Collector

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithPersistentTier sets the persistent tier to sweep.
func WithPersistentTier(p PersistentSweeper) Option {
	return func(j *Janitor) { j.persistent = p }
}

// WithUsage sets the usage records saved after each pass.
func WithUsage(p Persister) Option {
	return func(j *Janitor) { j.usage = p }
}

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithPersistInterval sets the time between usage saves.
func WithPersistInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.persistInterval = d
		}
	}
}

// WithRetention sets the persistent tier's retention window.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(j *Janitor) { j.collector = c }
}

// New creates a janitor for the memory tier. Call Start to run passes in
// the background.
func New(memory MemorySweeper, opts ...Option) *Janitor {
	j := &Janitor{
		memory:          memory,
		interval:        DefaultInterval,
		persistInterval: DefaultPersistInterval,
		retention:       DefaultRetention,
		now:             time.Now,
		logger:          zap.NewNop(),
		collector:       stats.NewNoop(),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunOnce sweeps the memory tier, then sweeps and retires persistent
// entries concurrently, then saves usage. Failures are logged, never
// returned.
func (j *Janitor) RunOnce(ctx context.Context) Result {
	now := j.now()
	var res Result

	res.Memory = j.memory.Sweep(now)
	j.collector.IncCounter(stats.MetricSweptMemory, int64(res.Memory))

	if j.persistent != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := j.persistent.SweepExpired(gctx, now)
			res.Expired = n
			return err
		})
		g.Go(func() error {
			n, err := j.persistent.Cleanup(gctx, now.Add(-j.retention))
			res.Retired = n
			return err
		})
		if err := g.Wait(); err != nil {
			j.logger.Warn("persistent sweep failed", zap.Error(err))
		}
		j.collector.IncCounter(stats.MetricSweptPersisted, int64(res.Expired+res.Retired))
	}

	j.persist(ctx)

	j.logger.Debug("sweep pass",
		zap.Int("memory", res.Memory),
		zap.Int("expired", res.Expired),
		zap.Int("retired", res.Retired),
	)
	return res
}

func (j *Janitor) persist(ctx context.Context) {
	if j.usage == nil {
		return
	}
	if err := j.usage.Persist(ctx); err != nil {
		j.logger.Warn("persisting usage failed", zap.Error(err))
	}
}

// Start runs sweeps and usage saves on their intervals until Stop.
func (j *Janitor) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.loop(ctx)
	})
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	sweep := time.NewTicker(j.interval)
	defer sweep.Stop()
	save := time.NewTicker(j.persistInterval)
	defer save.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-sweep.C:
			j.RunOnce(ctx)
		case <-save.C:
			j.persist(ctx)
		}
	}
}

// Stop ends the background loop and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}
