// Package evaluation scores generated candidates against their reference statements.
package evaluation

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/dispatch"
	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/similarity"
)

const runKind = string(models.RunKindEvaluation)

var tracer = otel.Tracer("sqlbench/evaluation")

// Config sizes an evaluation run
type Config struct {
	PoolSize int
	// MaxAttempts bounds comparator calls per candidate while they return NaN
	MaxAttempts int
}

// Hooks are optional progress callbacks. They run on worker goroutines and must not block for long.
type Hooks struct {
	OnStarted   func(candidate *models.GeneratedCandidate)
	OnFinished  func(candidate *models.GeneratedCandidate)
	OnRateLimit func(endpoint *models.ModelEndpoint, retryAt time.Time)
	OnComplete  func()
}

// Run scores every candidate with one comparator
type Run struct {
	cfg        Config
	candidates []*models.GeneratedCandidate
	comparator similarity.Comparator
	hooks      Hooks
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher

	scores     *models.ScoreMap
	completed  atomic.Bool
	started    atomic.Int64
	finished   atomic.Int64
	rateLimits atomic.Int64
}

// NewRun creates a run. Attempt counts below one are raised to one.
func NewRun(cfg Config, candidates []*models.GeneratedCandidate, comparator similarity.Comparator, hooks Hooks, logger *zap.Logger) *Run {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Run{
		cfg:        cfg,
		candidates: candidates,
		comparator: comparator,
		hooks:      hooks,
		logger:     logger.With(zap.String("run_kind", runKind)),
		scores:     models.NewScoreMap(),
	}
	r.dispatcher = dispatch.New(runKind, cfg.PoolSize, logger, dispatch.WithCompletion(r.complete))
	return r
}

// TotalJobs is one job per candidate
func (r *Run) TotalJobs() int {
	return len(r.candidates)
}

// Progress returns how many jobs have started and finished, and how many rate limits were hit
func (r *Run) Progress() (started, finished, rateLimits int) {
	return int(r.started.Load()), int(r.finished.Load()), int(r.rateLimits.Load())
}

// Completed reports whether the run drained successfully
func (r *Run) Completed() bool {
	return r.completed.Load()
}

// Scores returns the candidate scores. Only meaningful once Completed is true.
func (r *Run) Scores() *models.ScoreMap {
	return r.scores
}

// Execute scores every candidate and waits without a ceiling for the pool to drain.
// The error wraps context.Canceled on cancellation.
func (r *Run) Execute(ctx context.Context) error {
	if aware, ok := r.comparator.(similarity.RateLimitAware); ok {
		aware.SetRateLimitReporter(r.reportRateLimit)
	}

	r.logger.Info("evaluation started",
		zap.Int("candidates", len(r.candidates)),
		zap.String("comparator", string(r.comparator.Kind())),
		zap.Int("max_attempts", r.cfg.MaxAttempts),
		zap.Int("pool_size", r.dispatcher.PoolSize()),
	)

	err := r.dispatcher.Dispatch(ctx, func(pool *dispatch.Pool) error {
		for _, c := range r.candidates {
			if err := pool.Submit(r.job(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("evaluation completed",
		zap.Int("scored", r.scores.Len()),
		zap.Float64("mean", r.scores.Mean()),
	)
	return nil
}

func (r *Run) complete() {
	r.completed.Store(true)
	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete()
	}
}

func (r *Run) reportRateLimit(endpoint *models.ModelEndpoint, at time.Time) {
	r.rateLimits.Add(1)
	if r.hooks.OnRateLimit != nil {
		r.hooks.OnRateLimit(endpoint, at)
	}
}

func (r *Run) job(c *models.GeneratedCandidate) dispatch.Job {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}

		ctx, span := tracer.Start(ctx, "evaluation.job")
		span.SetAttributes(attribute.String("candidate_id", c.ID.String()))
		defer span.End()

		r.started.Add(1)
		metrics.JobsStarted.WithLabelValues(runKind).Inc()
		if r.hooks.OnStarted != nil {
			r.hooks.OnStarted(c)
		}

		var reference *models.SampleQuery
		if c.Prompt != nil {
			reference = c.Prompt.SampleQuery
		}

		score := math.NaN()
		attempts := 0
		for attempts < r.cfg.MaxAttempts && ctx.Err() == nil {
			attempts++
			score = r.comparator.Compare(ctx, reference, c)
			if !math.IsNaN(score) {
				break
			}
		}

		// Nothing is reported or recorded for work abandoned by a cancellation
		if ctx.Err() != nil {
			metrics.JobsFinished.WithLabelValues(runKind, metrics.OutcomeCancelled).Inc()
			return
		}
		r.finished.Add(1)
		if r.hooks.OnFinished != nil {
			r.hooks.OnFinished(c)
		}
		if ctx.Err() != nil {
			metrics.JobsFinished.WithLabelValues(runKind, metrics.OutcomeCancelled).Inc()
			return
		}
		r.scores.Set(c, score)

		outcome := metrics.OutcomeOK
		if math.IsNaN(score) {
			outcome = metrics.OutcomeUnscored
			r.logger.Debug("candidate could not be scored",
				zap.String("candidate_id", c.ID.String()),
				zap.Int("attempts", attempts),
			)
		}
		metrics.JobsFinished.WithLabelValues(runKind, outcome).Inc()
	}
}
