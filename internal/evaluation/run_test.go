package evaluation

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/similarity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedComparator returns scores from a per-candidate script, NaN once it runs out
type scriptedComparator struct {
	mu      sync.Mutex
	scripts map[string][]float64
	calls   map[string]int
	kind    models.ComparatorKind
	report  llm.RateLimitReporter
}

func newScripted(kind models.ComparatorKind) *scriptedComparator {
	return &scriptedComparator{
		scripts: map[string][]float64{},
		calls:   map[string]int{},
		kind:    kind,
	}
}

func (s *scriptedComparator) Kind() models.ComparatorKind { return s.kind }

func (s *scriptedComparator) Compare(_ context.Context, _ *models.SampleQuery, c *models.GeneratedCandidate) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls[c.SQL]
	s.calls[c.SQL] = n + 1
	script := s.scripts[c.SQL]
	if n < len(script) {
		return script[n]
	}
	return math.NaN()
}

func (s *scriptedComparator) SetRateLimitReporter(report llm.RateLimitReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = report
}

func candidates(sqls ...string) []*models.GeneratedCandidate {
	sample := models.NewSampleQuery("q", "SELECT a FROM t", "{{PROMPT}}")
	prompt := models.NewPromptSpec("all a", sample, models.PromptTypeZeroShot)
	ep := models.NewModelEndpoint("gpt", models.ProviderOpenAI, "gpt-4o-mini", "", 0, 1)
	out := make([]*models.GeneratedCandidate, 0, len(sqls))
	for i, sql := range sqls {
		out = append(out, models.NewGeneratedCandidate(sql, ep, prompt, i, 0.5))
	}
	return out
}

func TestRun_RecordsFirstNonNaNScore(t *testing.T) {
	comp := newScripted(models.ComparatorModel)
	comp.scripts["one"] = []float64{math.NaN(), 0.4, 0.9}
	comp.scripts["two"] = []float64{0.7}
	cands := candidates("one", "two")

	var completions int32
	run := NewRun(Config{PoolSize: 2, MaxAttempts: 3}, cands, comp, Hooks{
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	assert.True(t, run.Completed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))

	s, ok := run.Scores().Get(cands[0].ID)
	require.True(t, ok)
	assert.Equal(t, 0.4, s)
	assert.Equal(t, 2, comp.calls["one"])

	s, _ = run.Scores().Get(cands[1].ID)
	assert.Equal(t, 0.7, s)
	assert.Equal(t, 1, comp.calls["two"])
}

func TestRun_AllAttemptsNaNRecordsNaN(t *testing.T) {
	comp := newScripted(models.ComparatorModel)
	cands := candidates("hopeless")

	run := NewRun(Config{PoolSize: 1, MaxAttempts: 4}, cands, comp, Hooks{}, zap.NewNop())
	require.NoError(t, run.Execute(context.Background()))

	s, ok := run.Scores().Get(cands[0].ID)
	require.True(t, ok, "NaN scores are still recorded")
	assert.True(t, math.IsNaN(s))
	assert.Equal(t, 4, comp.calls["hopeless"])
	assert.True(t, math.IsNaN(run.Scores().Mean()))
}

func TestRun_InstallsRateLimitReporterBeforeJobs(t *testing.T) {
	comp := newScripted(models.ComparatorModel)
	comp.scripts["x"] = []float64{0.5}

	var reported int32
	run := NewRun(Config{PoolSize: 1, MaxAttempts: 1}, candidates("x"), comp, Hooks{
		OnRateLimit: func(*models.ModelEndpoint, time.Time) { atomic.AddInt32(&reported, 1) },
	}, zap.NewNop())
	require.NoError(t, run.Execute(context.Background()))

	require.NotNil(t, comp.report)
	comp.report(&models.ModelEndpoint{Name: "judge"}, time.Now())
	assert.Equal(t, int32(1), atomic.LoadInt32(&reported))
	_, _, rateLimits := run.Progress()
	assert.Equal(t, 1, rateLimits)
}

func TestRun_StructuralComparatorEndToEnd(t *testing.T) {
	cands := candidates("SELECT a FROM t", "SELECT b FROM u", "DROP TABLE t")
	run := NewRun(Config{PoolSize: 3, MaxAttempts: 2}, cands, similarity.NewStructuralComparator(zap.NewNop()), Hooks{}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	exact, _ := run.Scores().Get(cands[0].ID)
	assert.Equal(t, 1.0, exact)
	other, _ := run.Scores().Get(cands[1].ID)
	assert.Less(t, other, 1.0)
	broken, _ := run.Scores().Get(cands[2].ID)
	assert.True(t, math.IsNaN(broken))
	assert.Equal(t, 3, run.Scores().Len())
}

// blockingComparator holds every call until the context is cancelled
type blockingComparator struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingComparator) Kind() models.ComparatorKind { return models.ComparatorModel }

func (b *blockingComparator) Compare(ctx context.Context, _ *models.SampleQuery, _ *models.GeneratedCandidate) float64 {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return 0.5
}

func TestRun_CancellationWritesNothing(t *testing.T) {
	comp := &blockingComparator{entered: make(chan struct{})}

	var completions, finished int32
	run := NewRun(Config{PoolSize: 2, MaxAttempts: 3}, candidates("a", "b", "c", "d"), comp, Hooks{
		OnFinished: func(*models.GeneratedCandidate) { atomic.AddInt32(&finished, 1) },
		OnComplete: func() { atomic.AddInt32(&completions, 1) },
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-comp.entered
		cancel()
	}()

	err := run.Execute(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, run.Scores().Len(), "scores produced after cancellation must be dropped")
	assert.Zero(t, atomic.LoadInt32(&finished))
	assert.Zero(t, atomic.LoadInt32(&completions))
	assert.False(t, run.Completed())
}

func TestRun_CandidateWithoutPromptIsUnscored(t *testing.T) {
	c := models.NewGeneratedCandidate("SELECT 1", nil, nil, 0, 0)
	run := NewRun(Config{PoolSize: 1, MaxAttempts: 2}, []*models.GeneratedCandidate{c}, similarity.NewStructuralComparator(zap.NewNop()), Hooks{}, zap.NewNop())

	require.NoError(t, run.Execute(context.Background()))
	s, ok := run.Scores().Get(c.ID)
	require.True(t, ok)
	assert.True(t, math.IsNaN(s))
}
