// Package generation fans prompts out across model endpoints and collects the SQL they produce.
package generation

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/dispatch"
	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
)

const runKind = string(models.RunKindGeneration)

var tracer = otel.Tracer("sqlbench/generation")

// Config sizes a generation run
type Config struct {
	PoolSize    int
	Repetitions int
	// DrainTimeout is the ceiling on waiting for all jobs; zero waits forever
	DrainTimeout time.Duration
}

// Hooks are optional progress callbacks. They run on worker goroutines and must not block for long.
type Hooks struct {
	OnStarted   func(endpoint *models.ModelEndpoint)
	OnFinished  func(endpoint *models.ModelEndpoint)
	OnRateLimit llm.RateLimitReporter
	OnComplete  func()
}

// Run generates one candidate per (prompt, endpoint, repetition)
type Run struct {
	cfg        Config
	endpoints  []*models.ModelEndpoint
	prompts    []*models.PromptSpec
	resolver   llm.Resolver
	retrier    *llm.Retrier
	hooks      Hooks
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher

	candidates *models.CandidateSet
	completed  atomic.Bool
	started    atomic.Int64
	finished   atomic.Int64
	rateLimits atomic.Int64
}

// NewRun creates a run. Repetition counts below one are raised to one.
func NewRun(cfg Config, endpoints []*models.ModelEndpoint, prompts []*models.PromptSpec, resolver llm.Resolver, retrier *llm.Retrier, hooks Hooks, logger *zap.Logger) *Run {
	if cfg.Repetitions < 1 {
		cfg.Repetitions = 1
	}
	r := &Run{
		cfg:        cfg,
		endpoints:  endpoints,
		prompts:    prompts,
		resolver:   resolver,
		retrier:    retrier,
		hooks:      hooks,
		logger:     logger.With(zap.String("run_kind", runKind)),
		candidates: models.NewCandidateSet(),
	}
	r.dispatcher = dispatch.New(runKind, cfg.PoolSize, logger,
		dispatch.WithDrainTimeout(cfg.DrainTimeout),
		dispatch.WithCompletion(r.complete),
	)
	return r
}

// TotalJobs is the size of the job matrix
func (r *Run) TotalJobs() int {
	return len(r.prompts) * len(r.endpoints) * r.cfg.Repetitions
}

// Progress returns how many jobs have started and finished, and how many rate limits were hit
func (r *Run) Progress() (started, finished, rateLimits int) {
	return int(r.started.Load()), int(r.finished.Load()), int(r.rateLimits.Load())
}

// Completed reports whether the run drained successfully
func (r *Run) Completed() bool {
	return r.completed.Load()
}

// Candidates returns the generated statements. Only meaningful once Completed is true;
// after a cancellation the set holds an arbitrary subset.
func (r *Run) Candidates() *models.CandidateSet {
	return r.candidates
}

// Execute submits every job and waits for the pool to drain. The error wraps
// context.Canceled on cancellation and dispatch.ErrDrainTimeout on timeout.
func (r *Run) Execute(ctx context.Context) error {
	r.logger.Info("generation started",
		zap.Int("prompts", len(r.prompts)),
		zap.Int("endpoints", len(r.endpoints)),
		zap.Int("repetitions", r.cfg.Repetitions),
		zap.Int("pool_size", r.dispatcher.PoolSize()),
	)

	err := r.dispatcher.Dispatch(ctx, func(pool *dispatch.Pool) error {
		for _, prompt := range r.prompts {
			if err := pool.Context().Err(); err != nil {
				return err
			}
			for _, endpoint := range r.endpoints {
				for rep := 0; rep < r.cfg.Repetitions; rep++ {
					if err := pool.Submit(r.job(prompt, endpoint, rep)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("generation completed", zap.Int("candidates", r.candidates.Len()))
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

func (r *Run) job(prompt *models.PromptSpec, endpoint *models.ModelEndpoint, rep int) dispatch.Job {
	return func(ctx context.Context) {
		ctx, span := tracer.Start(ctx, "generation.job", trace.WithAttributes(
			attribute.String("endpoint", endpoint.Name),
			attribute.String("prompt_id", prompt.ID.String()),
			attribute.Int("repetition", rep),
		))
		defer span.End()

		r.started.Add(1)
		metrics.JobsStarted.WithLabelValues(runKind).Inc()
		if r.hooks.OnStarted != nil {
			r.hooks.OnStarted(endpoint)
		}

		outcome := r.generate(ctx, prompt, endpoint, rep)
		metrics.JobsFinished.WithLabelValues(runKind, outcome).Inc()
		if outcome == metrics.OutcomeCancelled {
			return
		}

		r.finished.Add(1)
		if r.hooks.OnFinished != nil {
			r.hooks.OnFinished(endpoint)
		}
	}
}

func (r *Run) generate(ctx context.Context, prompt *models.PromptSpec, endpoint *models.ModelEndpoint, rep int) string {
	log := r.logger.With(
		zap.String("endpoint", endpoint.Name),
		zap.String("prompt_id", prompt.ID.String()),
		zap.Int("repetition", rep+1),
	)

	temperature := Temperature(endpoint, rep, r.cfg.Repetitions)

	text, err := prompt.FullText()
	if err != nil {
		log.Warn("context substitution failed, sending raw prompt text", zap.Error(err))
		text = prompt.Text
	}

	provider, err := r.resolver.Resolve(endpoint)
	if err != nil {
		log.Warn("generation job abandoned", zap.Error(err))
		return metrics.OutcomeError
	}

	reply, err := r.retrier.Prompt(ctx, provider, endpoint, text, temperature, r.reportRateLimit)
	if ctx.Err() != nil {
		return metrics.OutcomeCancelled
	}
	if err != nil {
		log.Warn("generation job abandoned", zap.Error(err))
		return metrics.OutcomeError
	}

	r.candidates.Add(models.NewGeneratedCandidate(StripFences(reply), endpoint, prompt, rep, temperature))
	return metrics.OutcomeOK
}

// Temperature interpolates the endpoint's sampling range across repetitions.
// A single repetition uses the midpoint.
func Temperature(endpoint *models.ModelEndpoint, rep, repetitions int) float64 {
	lo, hi := endpoint.MinTemperature, endpoint.MaxTemperature
	switch {
	case repetitions <= 1:
		return (lo + hi) / 2
	case rep <= 0:
		return lo
	case rep >= repetitions-1:
		return hi
	}
	return lo + (hi-lo)*float64(rep)/float64(repetitions-1)
}

const (
	fenceOpen  = "```sql"
	fenceClose = "```"
)

// StripFences removes a leading ```sql and a trailing ``` from a model reply
func StripFences(reply string) string {
	s := strings.TrimSpace(reply)
	if len(s) >= len(fenceOpen) && strings.EqualFold(s[:len(fenceOpen)], fenceOpen) {
		s = s[len(fenceOpen):]
	}
	s = strings.TrimSuffix(s, fenceClose)
	return strings.TrimSpace(s)
}
