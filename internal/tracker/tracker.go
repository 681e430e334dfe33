// Package tracker records realized outcomes of decision problems and folds
// them into per-instance performance summaries.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/cache"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/store"
	"github.com/guardian-ai/guardian/internal/strategy"
	"github.com/guardian-ai/guardian/pkg/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 5 * time.Minute
)

// summaryKey pins a cached summary to the number of records it was folded
// from. Records are append-only and the count is read from the store, so an
// append by any process sharing the store moves readers to a new key.
type summaryKey struct {
	problemID string
	records   int
}

// Tracker appends performance records through a Store and serves summaries
// from a count-checked cache. All methods are safe for concurrent use.
type Tracker struct {
	store    store.Store
	registry *strategy.Registry
	cache    *cache.LRU[summaryKey, api.PerformanceSummary]
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time

	mu    sync.Mutex
	dirty map[string]struct{}
}

// Option configures a Tracker.
type Option func(*config)

type config struct {
	cacheSize int
	cacheTTL  time.Duration
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	now       func() time.Time
}

// WithCache sizes the summary cache. A ttl of 0 keeps entries until evicted.
func WithCache(size int, ttl time.Duration) Option {
	return func(c *config) {
		c.cacheSize = size
		c.cacheTTL = ttl
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) { c.log = log }
}

// WithClock overrides the clock used to timestamp records.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a Tracker. registry is only consulted by RecordOutcome and may
// be nil when callers always supply explicit costs.
func New(st store.Store, registry *strategy.Registry, opts ...Option) (*Tracker, error) {
	cfg := config{
		cacheSize: DefaultCacheSize,
		cacheTTL:  DefaultCacheTTL,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New(prometheus.NewRegistry())
	}

	c, err := cache.New[summaryKey, api.PerformanceSummary](cfg.cacheSize, cfg.cacheTTL)
	if err != nil {
		return nil, fmt.Errorf("summary cache: %w", err)
	}

	return &Tracker{
		store:    st,
		registry: registry,
		cache:    c,
		metrics:  cfg.metrics,
		log:      cfg.log,
		now:      cfg.now,
		dirty:    make(map[string]struct{}),
	}, nil
}

// Record appends one realized outcome for problemID.
//
// Costs must be finite and non-negative, and a positive algorithm cost
// against a zero optimal cost is rejected because its ratio is unbounded.
func (t *Tracker) Record(ctx context.Context, problemID string, algorithmCost, optimalCost float64) (api.PerformanceRecord, error) {
	ctx, span := otel.StartSpan(ctx, otel.TracerTracker, "tracker.record",
		append(otel.OutcomeAttributes(algorithmCost, optimalCost), otel.AttrProblemID.String(problemID))...)
	defer span.End()

	ratio, err := realizedRatio(algorithmCost, optimalCost)
	if err != nil {
		otel.RecordError(span, err, "invalid outcome")
		return api.PerformanceRecord{}, err
	}

	rec := api.PerformanceRecord{
		ProblemID:     problemID,
		Timestamp:     t.now().UTC(),
		AlgorithmCost: algorithmCost,
		OptimalCost:   optimalCost,
		RealizedRatio: ratio,
	}
	if err := t.store.AppendRecord(ctx, rec); err != nil {
		otel.RecordError(span, err, "append record")
		return api.PerformanceRecord{}, fmt.Errorf("record outcome: %w", err)
	}

	t.markDirty(problemID)

	t.metrics.OutcomesRecorded.Inc()
	t.log.WithFields(logrus.Fields{
		"problem_id":     problemID,
		"algorithm_cost": algorithmCost,
		"optimal_cost":   optimalCost,
		"ratio":          ratio,
	}).Debug("outcome recorded")
	return rec, nil
}

// RecordOutcome prices the instance's decisions against the realized
// horizon with the strategy's hindsight cost model and records the result.
func (t *Tracker) RecordOutcome(ctx context.Context, problemID string, horizon float64) (api.PerformanceRecord, error) {
	if t.registry == nil {
		return api.PerformanceRecord{}, fmt.Errorf("%w: no strategy registry configured", api.ErrInvalidOutcome)
	}

	p, err := t.store.GetProblem(ctx, problemID)
	if err != nil {
		return api.PerformanceRecord{}, err
	}
	s, err := t.registry.Lookup(p.ProblemType)
	if err != nil {
		return api.PerformanceRecord{}, err
	}
	eval, ok := s.(strategy.CostEvaluator)
	if !ok {
		return api.PerformanceRecord{}, fmt.Errorf("%w: problem type %q cannot price a horizon", api.ErrInvalidOutcome, p.ProblemType)
	}

	alg, opt, err := eval.HindsightCost(p.Params, p.State, horizon)
	if err != nil {
		return api.PerformanceRecord{}, err
	}
	return t.Record(ctx, problemID, alg, opt)
}

// Summarize returns the aggregates over every record of problemID. The
// result reflects one store snapshot; it never observes part of a Record.
func (t *Tracker) Summarize(ctx context.Context, problemID string) (api.PerformanceSummary, error) {
	ctx, span := otel.StartSpan(ctx, otel.TracerTracker, "tracker.summarize", otel.AttrProblemID.String(problemID))
	defer span.End()

	n, err := t.store.RecordCount(ctx, problemID)
	if err != nil {
		otel.RecordError(span, err, "count records")
		return api.PerformanceSummary{}, err
	}
	if sum, ok := t.cache.Get(summaryKey{problemID: problemID, records: n}); ok {
		t.metrics.SummaryCache.WithLabelValues("hit").Inc()
		return sum, nil
	}
	t.metrics.SummaryCache.WithLabelValues("miss").Inc()

	recs, err := t.store.ListRecords(ctx, problemID)
	if err != nil {
		otel.RecordError(span, err, "list records")
		return api.PerformanceSummary{}, err
	}
	// Appends may have landed since the count; key on what was folded.
	sum := Fold(recs)
	t.cache.Set(summaryKey{problemID: problemID, records: len(recs)}, sum)
	return sum, nil
}

// Report returns the summary together with the records it was folded from.
func (t *Tracker) Report(ctx context.Context, problemID string) (api.PerformanceReport, error) {
	recs, err := t.store.ListRecords(ctx, problemID)
	if err != nil {
		return api.PerformanceReport{}, err
	}
	return api.PerformanceReport{Summary: Fold(recs), Records: recs}, nil
}

// Dirty returns the problems with records appended since their summary was
// last recomputed, in sorted order.
func (t *Tracker) Dirty() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.dirty))
	for id := range t.dirty {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CacheStats exposes summary cache counters.
func (t *Tracker) CacheStats() cache.Stats {
	return t.cache.Stats()
}

func (t *Tracker) markDirty(problemID string) {
	t.mu.Lock()
	t.dirty[problemID] = struct{}{}
	t.mu.Unlock()
}

// recompute refreshes the cached summary of problemID. The dirty mark is
// cleared before the fold, so an append racing with it marks the problem
// again.
func (t *Tracker) recompute(ctx context.Context, problemID string) error {
	t.mu.Lock()
	delete(t.dirty, problemID)
	t.mu.Unlock()

	recs, err := t.store.ListRecords(ctx, problemID)
	if err != nil {
		t.markDirty(problemID)
		return err
	}
	t.cache.Set(summaryKey{problemID: problemID, records: len(recs)}, Fold(recs))

	t.metrics.Recomputes.Inc()
	return nil
}

// Fold aggregates records from scratch.
func Fold(recs []api.PerformanceRecord) api.PerformanceSummary {
	var sum api.PerformanceSummary
	if len(recs) == 0 {
		return sum
	}

	var ratios float64
	for _, r := range recs {
		sum.TotalSavings += r.OptimalCost - r.AlgorithmCost
		ratios += r.RealizedRatio
	}
	sum.TotalDecisions = len(recs)
	sum.AverageCompetitiveRatio = ratios / float64(len(recs))
	return sum
}

func realizedRatio(alg, opt float64) (float64, error) {
	switch {
	case !api.IsFinite(alg) || alg < 0:
		return 0, fmt.Errorf("%w: algorithm_cost must be finite and >= 0, got %v", api.ErrInvalidOutcome, alg)
	case !api.IsFinite(opt) || opt < 0:
		return 0, fmt.Errorf("%w: optimal_cost must be finite and >= 0, got %v", api.ErrInvalidOutcome, opt)
	case opt == 0 && alg == 0:
		return 1, nil
	case opt == 0:
		return 0, fmt.Errorf("%w: positive algorithm_cost %v against zero optimal_cost", api.ErrInvalidOutcome, alg)
	}
	return alg / opt, nil
}
