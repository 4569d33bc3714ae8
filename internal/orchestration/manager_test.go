package orchestration

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/eventbus"
	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/ratelimit"
	"github.com/sqlbench/api/internal/results"
)

const referenceSQL = "SELECT name FROM users WHERE active = 1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev eventbus.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types(runID uuid.UUID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.RunID == runID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type memoryStore struct {
	mu         sync.Mutex
	runs       map[uuid.UUID]models.RunSummary
	candidates map[uuid.UUID]int
	scores     map[uuid.UUID]int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		runs:       map[uuid.UUID]models.RunSummary{},
		candidates: map[uuid.UUID]int{},
		scores:     map[uuid.UUID]int{},
	}
}

func (s *memoryStore) SaveRun(_ context.Context, run models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memoryStore) SaveCandidates(_ context.Context, runID uuid.UUID, c []*models.GeneratedCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[runID] = len(c)
	return nil
}

func (s *memoryStore) SaveScores(_ context.Context, runID uuid.UUID, sc []models.ScoredCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[runID] = len(sc)
	return nil
}

func (s *memoryStore) GetRun(_ context.Context, id uuid.UUID) (*models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, results.ErrNotFound
	}
	return &run, nil
}

func (s *memoryStore) ListRuns(_ context.Context, kind models.RunKind, _ int) ([]models.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunSummary
	for _, r := range s.runs {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func workload() *config.Workload {
	return &config.Workload{
		Endpoints: []config.EndpointConfig{
			{Name: "gpt", Provider: "openai", Model: "gpt-4o-mini", MaxTemperature: 1},
			{Name: "judge", Provider: "gemini", Model: "gemini-2.0-flash"},
		},
		SampleQueries: []config.SampleQueryConfig{
			{Name: "active", ReferenceSQL: referenceSQL, ContextTemplate: "users(name, active)\n{{PROMPT}}"},
		},
		Prompts: []config.PromptConfig{
			{Text: "names of active users", SampleQuery: "active"},
		},
		Generation: config.GenerationConfig{PoolSize: 2, Repetitions: 2},
	}
}

// answering replies with the reference SQL to generation prompts and 80 to judge prompts
func answering() llm.Promptable {
	return llm.PromptFunc(func(_ context.Context, text, _, _ string, _ float64) (string, error) {
		if strings.Contains(text, "### Reference SQL") {
			return "80", nil
		}
		return "```sql\n" + referenceSQL + "\n```", nil
	})
}

func newManager(p llm.Promptable, opts ...Option) *Manager {
	reg := llm.NewRegistry()
	reg.Register(models.ProviderOpenAI, p)
	reg.Register(models.ProviderGemini, p)
	retrier := llm.NewRetrier(ratelimit.NewAuthorizer(zap.NewNop()), time.Millisecond, 5*time.Millisecond, zap.NewNop())
	return NewManager(reg, retrier, Defaults{GenerationPoolSize: 1, EvaluationPoolSize: 1, EvaluationMaxAttempts: 2}, zap.NewNop(), opts...)
}

func waitFor(t *testing.T, m *Manager, id uuid.UUID) *models.RunSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return summary
}

func TestManager_GenerationThenStructuralEvaluation(t *testing.T) {
	pub := &recordingPublisher{}
	store := newMemoryStore()
	m := newManager(answering(), WithPublisher(pub), WithStore(store))

	genID, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)

	summary := waitFor(t, m, genID)
	assert.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 4, summary.TotalJobs)
	assert.Equal(t, 4, summary.Finished)
	assert.Equal(t, 4, summary.ResultCount)
	require.NotNil(t, summary.FinishedAt)

	candidates, err := m.Candidates(genID)
	require.NoError(t, err)
	require.Len(t, candidates, 4)
	for _, c := range candidates {
		assert.Equal(t, referenceSQL, c.SQL)
	}

	evalID, err := m.StartEvaluation(genID, EvaluationOptions{}, nil)
	require.NoError(t, err)
	evalSummary := waitFor(t, m, evalID)
	assert.Equal(t, models.RunStatusCompleted, evalSummary.Status)
	assert.Equal(t, models.ComparatorStructural, evalSummary.Comparator)
	require.NotNil(t, evalSummary.SourceRunID)
	assert.Equal(t, genID, *evalSummary.SourceRunID)
	require.NotNil(t, evalSummary.MeanScore)
	assert.Equal(t, 1.0, *evalSummary.MeanScore)

	scores, err := m.Scores(evalID)
	require.NoError(t, err)
	require.Len(t, scores, 4)
	for _, sc := range scores {
		assert.Equal(t, 1.0, sc.Score)
	}

	types := pub.types(genID)
	require.NotEmpty(t, types)
	assert.Equal(t, eventbus.EventRunStarted, types[0])
	assert.Equal(t, eventbus.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, eventbus.EventJobFinished)

	store.mu.Lock()
	assert.Equal(t, 4, store.candidates[genID])
	assert.Equal(t, 4, store.scores[evalID])
	assert.Equal(t, models.RunStatusCompleted, store.runs[evalID].Status)
	store.mu.Unlock()
}

func TestManager_ModelEvaluationUsesJudge(t *testing.T) {
	m := newManager(answering())

	genID, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)
	waitFor(t, m, genID)

	temp := 0.0
	evalID, err := m.StartEvaluation(genID, EvaluationOptions{
		Comparator:       models.ComparatorModel,
		Judge:            "judge",
		JudgeTemperature: &temp,
	}, nil)
	require.NoError(t, err)
	waitFor(t, m, evalID)

	scores, err := m.Scores(evalID)
	require.NoError(t, err)
	require.Len(t, scores, 4)
	for _, sc := range scores {
		assert.InDelta(t, 0.8, sc.Score, 1e-9)
	}
}

func TestManager_ModelEvaluationWithoutJudgeIsRejected(t *testing.T) {
	m := newManager(answering())
	genID, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)
	waitFor(t, m, genID)

	_, err = m.StartEvaluation(genID, EvaluationOptions{Comparator: models.ComparatorModel, Judge: "missing"}, nil)
	assert.Error(t, err)
}

func TestManager_CancelDiscardsResults(t *testing.T) {
	release := make(chan struct{})
	blocking := llm.PromptFunc(func(ctx context.Context, _, _, _ string, _ float64) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return referenceSQL, nil
		}
	})
	defer close(release)

	pub := &recordingPublisher{}
	m := newManager(blocking, WithPublisher(pub))
	id, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)

	_, err = m.Candidates(id)
	assert.ErrorIs(t, err, ErrRunNotCompleted)

	require.NoError(t, m.Cancel(id))
	summary := waitFor(t, m, id)
	assert.Equal(t, models.RunStatusCancelled, summary.Status)

	_, err = m.Candidates(id)
	assert.ErrorIs(t, err, ErrRunNotCompleted)
	assert.ErrorIs(t, m.Cancel(id), ErrRunFinished)

	_, err = m.StartEvaluation(id, EvaluationOptions{}, nil)
	assert.ErrorIs(t, err, ErrRunNotCompleted)

	types := pub.types(id)
	assert.Equal(t, eventbus.EventRunCancelled, types[len(types)-1])
}

func TestManager_UnknownAndWrongKind(t *testing.T) {
	m := newManager(answering())

	_, err := m.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, m.Cancel(uuid.New()), ErrRunNotFound)
	_, err = m.StartEvaluation(uuid.New(), EvaluationOptions{}, nil)
	assert.ErrorIs(t, err, ErrRunNotFound)

	genID, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)
	waitFor(t, m, genID)

	_, err = m.Scores(genID)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestManager_InvalidWorkload(t *testing.T) {
	m := newManager(answering())
	w := workload()
	w.Prompts = nil

	_, err := m.StartGeneration(w, nil)
	assert.Error(t, err)

	runs, err := m.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestManager_StatusFallsBackToStore(t *testing.T) {
	store := newMemoryStore()
	old := models.RunSummary{ID: uuid.New(), Kind: models.RunKindGeneration, Status: models.RunStatusCompleted, StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.SaveRun(context.Background(), old))

	m := newManager(answering(), WithStore(store))
	got, err := m.Status(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, got.ID)

	genID, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)
	waitFor(t, m, genID)

	runs, err := m.ListRuns(context.Background(), models.RunKindGeneration, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, genID, runs[0].ID)
	assert.Equal(t, old.ID, runs[1].ID)
}

func TestManager_ShutdownCancelsActiveRuns(t *testing.T) {
	blocking := llm.PromptFunc(func(ctx context.Context, _, _, _ string, _ float64) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := newManager(blocking)
	id, err := m.StartGeneration(workload(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	summary, err := m.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, summary.Status)
}

func TestManager_RunsShareEndpointRateLimit(t *testing.T) {
	var calls atomic.Int32
	limited := llm.PromptFunc(func(context.Context, string, string, string, float64) (string, error) {
		calls.Add(1)
		return "", &llm.RateLimitError{Provider: models.ProviderOpenAI, RetryAfter: time.Hour}
	})
	m := newManager(limited)

	w := workload()
	w.Endpoints = w.Endpoints[:1]
	w.Generation = config.GenerationConfig{PoolSize: 1, Repetitions: 1}

	first, err := m.StartGeneration(w, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := m.StartGeneration(w, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := m.Status(context.Background(), second)
		return err == nil && s.Status == models.RunStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "second run waits on the deadline the first run registered")

	require.NoError(t, m.Cancel(first))
	require.NoError(t, m.Cancel(second))
	waitFor(t, m, first)
	waitFor(t, m, second)
}
