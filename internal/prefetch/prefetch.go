// Package prefetch warms the cache for the entities users view most.
package prefetch

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alfalyzer/marketcache/internal/stats"
	"github.com/alfalyzer/marketcache/internal/usage"
)

const (
	// DefaultInterval is the time between prefetch passes.
	DefaultInterval = time.Minute

	// DefaultTopN is how many entities a pass warms at most.
	DefaultTopN = 5
)

// Ranker orders entities by usage.
type Ranker interface {
	Top(n int, now time.Time) []usage.Record
}

// Target is the cache being warmed.
type Target interface {
	// NeedsWarm reports whether entityID has a known request whose cached
	// entry is missing or no longer fresh at now.
	NeedsWarm(entityID string, now time.Time) bool

	// Warm re-issues the last request made for entityID.
	Warm(ctx context.Context, entityID string) error
}

// Scheduler runs prefetch passes on an interval.
type Scheduler struct {
	ranker    Ranker
	target    Target
	interval  time.Duration
	topN      int
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *zap.Logger
	collector stats.Collector

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTopN sets how many entities a pass considers.
func WithTopN(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.topN = n
		}
	}
}

// WithRateLimit caps upstream warms at perSecond, with bursts of up to
// burst. Passes are unlimited by default.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(s *Scheduler) { s.collector = c }
}

// New creates a scheduler. Call Start to run passes in the background.
func New(ranker Ranker, target Target, opts ...Option) *Scheduler {
	s := &Scheduler{
		ranker:    ranker,
		target:    target,
		interval:  DefaultInterval,
		topN:      DefaultTopN,
		now:       time.Now,
		logger:    zap.NewNop(),
		collector: stats.NewNoop(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce warms the topN highest-ranked entities whose cached data is not
// fresh and returns how many were warmed. Fresh entities do not use up a
// slot. Warm failures are logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()

	var due []string
	for _, r := range s.ranker.Top(math.MaxInt, now) {
		if len(due) == s.topN {
			break
		}
		if s.target.NeedsWarm(r.EntityID, now) {
			due = append(due, r.EntityID)
		}
	}
	if len(due) == 0 {
		return 0
	}

	var (
		mu     sync.Mutex
		warmed int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range due {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			if err := s.target.Warm(gctx, id); err != nil {
				s.logger.Debug("prefetch failed", zap.String("entity", id), zap.Error(err))
				return nil
			}
			mu.Lock()
			warmed++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.collector.IncCounter(stats.MetricPrefetches, int64(warmed))
	s.logger.Debug("prefetch pass", zap.Int("due", len(due)), zap.Int("warmed", warmed))
	return warmed
}

// Start runs a pass every interval until Stop. ctx bounds each pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends the background loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
