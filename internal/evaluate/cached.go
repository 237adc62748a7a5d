package evaluate

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// CachedEvaluator answers from the cache whenever a configuration has
// already been measured and records every new measurement. Concurrent
// requests for the same fingerprint share a single evaluation.
type CachedEvaluator struct {
	inner Evaluator
	store cache.Store
	group singleflight.Group

	hits        atomic.Int64
	evaluations atomic.Int64
}

var _ Evaluator = (*CachedEvaluator)(nil)

// NewCached wraps inner with store.
func NewCached(inner Evaluator, store cache.Store) *CachedEvaluator {
	return &CachedEvaluator{inner: inner, store: store}
}

// Hits returns how many evaluations were answered without running inner.
func (c *CachedEvaluator) Hits() int64 { return c.hits.Load() }

// Evaluations returns how many times inner was run.
func (c *CachedEvaluator) Evaluations() int64 { return c.evaluations.Load() }

// Evaluate implements Evaluator.
func (c *CachedEvaluator) Evaluate(ctx context.Context, cfg precision.Config, runID string) Result {
	if res, ok := c.cached(cfg); ok {
		c.hits.Add(1)
		return res
	}

	hash := cfg.Hash()
	ran := false
	v, _, _ := c.group.Do(hash, func() (any, error) {
		// Another caller may have finished between the lookup and Do.
		if res, ok := c.cached(cfg); ok {
			return res, nil
		}
		c.store.Claim(cfg)
		c.evaluations.Add(1)
		ran = true

		res := c.inner.Evaluate(ctx, cfg, runID)
		if res.Failure != nil && ctx.Err() != nil {
			// Interrupted, not measured: the claim stays open for a later run.
			slog.Debug("Evaluation interrupted, not cached", "run_id", runID, "hash", hash)
			return res, nil
		}
		if res.Failure != nil {
			c.store.MarkFailed(cfg, res.Failure.Error(), res.Failure.Transient)
		} else {
			fit := res.Fitness
			c.store.MarkTested(cfg, &fit, cache.KindActual)
		}
		return res, nil
	})

	res := v.(Result)
	if !ran {
		c.hits.Add(1)
		res.Cached = true
		slog.Debug("Shared cached evaluation", "run_id", runID, "hash", hash)
	}
	return res
}

// cached converts a measured record into a result.
func (c *CachedEvaluator) cached(cfg precision.Config) (Result, bool) {
	rec, ok := c.store.Lookup(cfg)
	if !ok || !rec.Measured() {
		return Result{}, false
	}
	if rec.Kind == cache.KindFailed {
		res := Failed(StageCache, rec.Failure, rec.Transient)
		res.Cached = true
		return res, true
	}
	fit := *rec.Fitness
	if math.IsNaN(fit) {
		fit = fitness.Failure
	}
	return Result{Fitness: fit, Cached: true}, true
}
