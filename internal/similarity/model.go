package similarity

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/metrics"
	"github.com/sqlbench/api/internal/models"
)

const judgeInstructions = `You are grading how closely two SQL statements match in meaning.
Compare the candidate statement to the reference statement and decide how likely it is that
both return the same result on any database with this schema.

Reply with a single integer between 0 and 100 and nothing else.
0 means the statements are unrelated, 100 means they are semantically identical.
Use the full range with fine-grained values such as 37, 82 or 91; avoid multiples of 5 unless
you are certain.`

// ModelComparator asks a model to judge semantic similarity
type ModelComparator struct {
	endpoint    *models.ModelEndpoint
	provider    llm.Promptable
	retrier     *llm.Retrier
	temperature float64
	logger      *zap.Logger

	mu     sync.RWMutex
	report llm.RateLimitReporter
}

// NewModelComparator creates a comparator that prompts endpoint through provider
func NewModelComparator(endpoint *models.ModelEndpoint, provider llm.Promptable, retrier *llm.Retrier, temperature float64, logger *zap.Logger) *ModelComparator {
	return &ModelComparator{
		endpoint:    endpoint,
		provider:    provider,
		retrier:     retrier,
		temperature: temperature,
		logger:      logger,
	}
}

// Kind implements Comparator
func (m *ModelComparator) Kind() models.ComparatorKind {
	return models.ComparatorModel
}

// Endpoint returns the judging endpoint
func (m *ModelComparator) Endpoint() *models.ModelEndpoint {
	return m.endpoint
}

// SetRateLimitReporter implements RateLimitAware
func (m *ModelComparator) SetRateLimitReporter(report llm.RateLimitReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report = report
}

// Compare implements Comparator
func (m *ModelComparator) Compare(ctx context.Context, reference *models.SampleQuery, candidate *models.GeneratedCandidate) float64 {
	if reference == nil || candidate == nil {
		return math.NaN()
	}

	m.mu.RLock()
	report := m.report
	m.mu.RUnlock()

	reply, err := m.retrier.Prompt(ctx, m.provider, m.endpoint, JudgePrompt(reference.ReferenceSQL, candidate.SQL), m.temperature, report)
	if err != nil {
		m.logger.Warn("model comparison failed",
			zap.String("endpoint", m.endpoint.Name),
			zap.String("candidate_id", candidate.ID.String()),
			zap.Error(err),
		)
		metrics.ComparisonFailures.WithLabelValues(string(models.ComparatorModel)).Inc()
		return math.NaN()
	}

	score, ok := ParseJudgement(reply)
	if !ok {
		m.logger.Warn("model returned a non-numeric score",
			zap.String("endpoint", m.endpoint.Name),
			zap.String("reply", reply),
		)
		metrics.ComparisonFailures.WithLabelValues(string(models.ComparatorModel)).Inc()
		return math.NaN()
	}
	metrics.ComparisonScores.WithLabelValues(string(models.ComparatorModel)).Observe(score)
	return score
}

// JudgePrompt renders the grading prompt for a statement pair
func JudgePrompt(reference, candidate string) string {
	var b strings.Builder
	b.WriteString(judgeInstructions)
	b.WriteString("\n\n### Reference SQL\n")
	b.WriteString(strings.TrimSpace(reference))
	b.WriteString("\n\n### Candidate SQL\n")
	b.WriteString(strings.TrimSpace(candidate))
	b.WriteString("\n")
	return b.String()
}

// ParseJudgement converts an integer reply in 0..100 into a score in [0,1]
func ParseJudgement(reply string) (float64, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || n < 0 || n > 100 {
		return 0, false
	}
	return float64(n) / 100, true
}
