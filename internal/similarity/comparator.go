// Package similarity scores generated SQL against the hand-written reference.
package similarity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
)

// Comparator scores a candidate against its reference. Scores lie in [0,1];
// NaN means the pair could not be scored. Compare never fails otherwise.
type Comparator interface {
	Compare(ctx context.Context, reference *models.SampleQuery, candidate *models.GeneratedCandidate) float64
	Kind() models.ComparatorKind
}

// RateLimitAware is implemented by comparators that call rate-limited providers
type RateLimitAware interface {
	SetRateLimitReporter(report llm.RateLimitReporter)
}

// Options carries what New needs to build either comparator kind
type Options struct {
	// Model comparator only
	Judge       *models.ModelEndpoint
	Resolver    llm.Resolver
	Retrier     *llm.Retrier
	Temperature float64

	// Deterministic comparators only; nil disables caching
	Cache ScoreCache
}

// New builds the comparator for kind
func New(kind models.ComparatorKind, opts Options, logger *zap.Logger) (Comparator, error) {
	switch kind {
	case models.ComparatorStructural:
		var c Comparator = NewStructuralComparator(logger)
		if opts.Cache != nil {
			c = NewCached(c, opts.Cache, logger)
		}
		return c, nil
	case models.ComparatorModel:
		if opts.Judge == nil || opts.Resolver == nil || opts.Retrier == nil {
			return nil, fmt.Errorf("model comparator needs a judge endpoint, resolver and retrier")
		}
		provider, err := opts.Resolver.Resolve(opts.Judge)
		if err != nil {
			return nil, err
		}
		return NewModelComparator(opts.Judge, provider, opts.Retrier, opts.Temperature, logger), nil
	}
	return nil, fmt.Errorf("unknown comparator kind %q", kind)
}
