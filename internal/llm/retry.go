package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/ratelimit"
)

// RateLimitReporter is told about every rate-limit deadline an endpoint returns
type RateLimitReporter func(endpoint *models.ModelEndpoint, retryAt time.Time)

// Default fallback applied when a provider rate-limits without saying for how long
const (
	DefaultFallbackBase = 2 * time.Second
	DefaultFallbackMax  = 2 * time.Minute
)

// Retrier runs the rate-limit-respecting call loop shared by generation and the model comparator.
// Rate limits are retried until ctx ends; any other failure is returned to the caller.
type Retrier struct {
	authorizer   *ratelimit.Authorizer
	fallbackBase time.Duration
	fallbackMax  time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewRetrier creates a retrier that waits on authorizer before every call.
// Non-positive fallback durations use the defaults.
func NewRetrier(authorizer *ratelimit.Authorizer, fallbackBase, fallbackMax time.Duration, logger *zap.Logger) *Retrier {
	if fallbackBase <= 0 {
		fallbackBase = DefaultFallbackBase
	}
	if fallbackMax <= 0 {
		fallbackMax = DefaultFallbackMax
	}
	return &Retrier{
		authorizer:   authorizer,
		fallbackBase: fallbackBase,
		fallbackMax:  fallbackMax,
		logger:       logger,
		now:          time.Now,
	}
}

// Authorizer returns the deadline registry the retrier waits on
func (r *Retrier) Authorizer() *ratelimit.Authorizer {
	return r.authorizer
}

// Prompt blocks until endpoint is authorized, calls p, and on a rate limit reports and
// registers the new deadline before trying again.
func (r *Retrier) Prompt(ctx context.Context, p Promptable, endpoint *models.ModelEndpoint, text string, temperature float64, report RateLimitReporter) (string, error) {
	fallback := retry.WithCappedDuration(r.fallbackMax, retry.NewExponential(r.fallbackBase))
	// The authorizer does the waiting, so attempts follow each other immediately
	immediate := retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })

	provider := string(endpoint.Provider)
	var out string
	err := retry.Do(ctx, immediate, func(ctx context.Context) error {
		if err := r.authorizer.Wait(ctx, endpoint.ID); err != nil {
			return err
		}

		reply, err := p.Prompt(ctx, text, endpoint.Model, endpoint.Credentials, temperature)
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(provider, metrics.CallOK).Inc()
			out = reply
			return nil
		}

		var rl *RateLimitError
		if !errors.As(err, &rl) {
			if errors.Is(err, ErrCircuitOpen) {
				metrics.ProviderCalls.WithLabelValues(provider, metrics.CallCircuitOpen).Inc()
			} else if ctx.Err() == nil {
				metrics.ProviderCalls.WithLabelValues(provider, metrics.CallError).Inc()
			}
			return err
		}

		metrics.ProviderCalls.WithLabelValues(provider, metrics.CallRateLimited).Inc()
		metrics.RateLimitsObserved.WithLabelValues(endpoint.Name).Inc()

		now := r.now()
		retryAt := rl.Deadline(now)
		if retryAt.IsZero() {
			wait, _ := fallback.Next()
			retryAt = now.Add(wait)
		}

		r.logger.Info("endpoint rate limited",
			zap.String("endpoint", endpoint.Name),
			zap.Time("retry_at", retryAt),
		)
		if report != nil {
			report(endpoint, retryAt)
		}
		r.authorizer.Register(endpoint.ID, retryAt)
		return retry.RetryableError(err)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
