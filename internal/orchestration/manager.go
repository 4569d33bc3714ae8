// Package orchestration runs generation and evaluation asynchronously and tracks their lifecycle.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/evaluation"
	"github.com/sqlbench/api/internal/eventbus"
	"github.com/sqlbench/api/internal/generation"
	"github.com/sqlbench/api/internal/llm"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/results"
	"github.com/sqlbench/api/internal/similarity"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunNotCompleted = errors.New("run has not completed")
	ErrRunFinished     = errors.New("run already finished")
	ErrWrongKind       = errors.New("run is of a different kind")
)

const (
	persistTimeout = 30 * time.Second
	publishTimeout = 2 * time.Second
)

// Defaults fill workload parameters left at zero
type Defaults struct {
	GenerationPoolSize     int
	GenerationRepetitions  int
	GenerationDrainTimeout time.Duration
	EvaluationPoolSize     int
	EvaluationMaxAttempts  int

	// Credentials supplies a provider's service-wide API key
	Credentials func(provider string) string
}

// EvaluationOptions override the source workload's evaluation section
type EvaluationOptions struct {
	Comparator       models.ComparatorKind `json:"comparator"`
	Judge            string                `json:"judge"`
	JudgeTemperature *float64              `json:"judge_temperature"`
	PoolSize         int                   `json:"pool_size"`
	MaxAttempts      int                   `json:"max_attempts"`
}

// Option configures optional integrations
type Option func(*Manager)

// WithStore persists finished runs
func WithStore(store results.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithPublisher emits progress events
func WithPublisher(p eventbus.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithScoreCache memoises deterministic comparisons
func WithScoreCache(cache similarity.ScoreCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// Manager owns every run started through it
type Manager struct {
	resolver llm.Resolver
	retrier  *llm.Retrier
	defaults Defaults
	store    results.Store
	events   eventbus.Publisher
	cache    similarity.ScoreCache
	logger   *zap.Logger

	mu   sync.RWMutex
	runs map[uuid.UUID]*trackedRun
	wg   sync.WaitGroup
}

type trackedRun struct {
	mu       sync.Mutex
	summary  models.RunSummary
	progress func() (started, finished, rateLimits int)
	cancel   context.CancelFunc
	done     chan struct{}

	// generation only
	workload   *config.Workload
	endpoints  []*models.ModelEndpoint
	candidates []*models.GeneratedCandidate

	// evaluation only
	scores *models.ScoreMap
}

// NewManager creates a manager. Events go nowhere until WithPublisher is given.
func NewManager(resolver llm.Resolver, retrier *llm.Retrier, defaults Defaults, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		resolver: resolver,
		retrier:  retrier,
		defaults: defaults,
		events:   eventbus.NopPublisher{},
		logger:   logger,
		runs:     make(map[uuid.UUID]*trackedRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartGeneration validates the workload and launches its generation run
func (m *Manager) StartGeneration(w *config.Workload, createdBy *uuid.UUID) (uuid.UUID, error) {
	if err := w.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("invalid workload: %w", err)
	}

	endpoints, prompts := w.Build(m.defaults.Credentials)
	cfg := generation.Config{
		PoolSize:     firstPositive(w.Generation.PoolSize, m.defaults.GenerationPoolSize),
		Repetitions:  firstPositive(w.Generation.Repetitions, m.defaults.GenerationRepetitions, 1),
		DrainTimeout: m.defaults.GenerationDrainTimeout,
	}

	tr := m.track(models.RunKindGeneration, createdBy)
	tr.workload = w
	tr.endpoints = endpoints
	tr.summary.PoolSize = cfg.PoolSize
	tr.summary.Repetitions = cfg.Repetitions

	id := tr.summary.ID
	log := m.logger.With(zap.String("run_id", id.String()), zap.String("kind", string(models.RunKindGeneration)))
	run := generation.NewRun(cfg, endpoints, prompts, m.resolver, m.retrier, generation.Hooks{
		OnStarted: func(ep *models.ModelEndpoint) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventJobStarted, Endpoint: ep.Name})
		},
		OnFinished: func(ep *models.ModelEndpoint) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventJobFinished, Endpoint: ep.Name})
		},
		OnRateLimit: func(ep *models.ModelEndpoint, at time.Time) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRateLimited, Endpoint: ep.Name, RetryAt: &at})
		},
	}, log)

	tr.summary.TotalJobs = run.TotalJobs()
	tr.progress = run.Progress

	m.launch(tr, log, run.Execute, func() {
		tr.candidates = run.Candidates().List()
		tr.summary.ResultCount = len(tr.candidates)
	})
	return id, nil
}

// StartEvaluation scores the candidates of a completed generation run
func (m *Manager) StartEvaluation(generationRunID uuid.UUID, opts EvaluationOptions, createdBy *uuid.UUID) (uuid.UUID, error) {
	src, err := m.get(generationRunID)
	if err != nil {
		return uuid.Nil, err
	}

	src.mu.Lock()
	kind, status := src.summary.Kind, src.summary.Status
	candidates, endpoints, w := src.candidates, src.endpoints, src.workload
	src.mu.Unlock()

	if kind != models.RunKindGeneration {
		return uuid.Nil, ErrWrongKind
	}
	if status != models.RunStatusCompleted {
		return uuid.Nil, ErrRunNotCompleted
	}

	kindName := opts.Comparator
	if kindName == "" {
		kindName = models.ComparatorKind(w.Evaluation.Comparator)
	}
	if kindName == "" {
		kindName = models.ComparatorStructural
	}
	if !kindName.IsValid() {
		return uuid.Nil, fmt.Errorf("unknown comparator kind %q", kindName)
	}

	judgeName := opts.Judge
	if judgeName == "" {
		judgeName = w.Evaluation.Judge
	}
	temperature := w.Evaluation.JudgeTemperature
	if opts.JudgeTemperature != nil {
		temperature = *opts.JudgeTemperature
	}

	tr := m.track(models.RunKindEvaluation, createdBy)
	id := tr.summary.ID
	log := m.logger.With(zap.String("run_id", id.String()), zap.String("kind", string(models.RunKindEvaluation)))

	comparator, err := similarity.New(kindName, similarity.Options{
		Judge:       findEndpoint(endpoints, judgeName),
		Resolver:    m.resolver,
		Retrier:     m.retrier,
		Temperature: temperature,
		Cache:       m.cache,
	}, log)
	if err != nil {
		return uuid.Nil, err
	}

	cfg := evaluation.Config{
		PoolSize:    firstPositive(opts.PoolSize, w.Evaluation.PoolSize, m.defaults.EvaluationPoolSize),
		MaxAttempts: firstPositive(opts.MaxAttempts, w.Evaluation.MaxAttempts, m.defaults.EvaluationMaxAttempts, 1),
	}
	tr.summary.SourceRunID = &generationRunID
	tr.summary.Comparator = kindName
	tr.summary.PoolSize = cfg.PoolSize
	tr.summary.MaxAttempts = cfg.MaxAttempts

	run := evaluation.NewRun(cfg, candidates, comparator, evaluation.Hooks{
		OnStarted: func(c *models.GeneratedCandidate) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventJobStarted, Endpoint: endpointName(c), CandidateID: &c.ID})
		},
		OnFinished: func(c *models.GeneratedCandidate) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventJobFinished, Endpoint: endpointName(c), CandidateID: &c.ID})
		},
		OnRateLimit: func(ep *models.ModelEndpoint, at time.Time) {
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRateLimited, Endpoint: ep.Name, RetryAt: &at})
		},
	}, log)

	tr.summary.TotalJobs = run.TotalJobs()
	tr.progress = run.Progress

	m.launch(tr, log, run.Execute, func() {
		tr.scores = run.Scores()
		tr.summary.ResultCount = tr.scores.Len()
		if mean := tr.scores.Mean(); !math.IsNaN(mean) {
			tr.summary.MeanScore = &mean
		}
	})
	return id, nil
}

// track creates a queued run; launch makes it visible
func (m *Manager) track(kind models.RunKind, createdBy *uuid.UUID) *trackedRun {
	tr := &trackedRun{
		summary: models.RunSummary{
			ID:        uuid.New(),
			Kind:      kind,
			Status:    models.RunStatusQueued,
			CreatedBy: createdBy,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	return tr
}

// launch executes the run in the background. onComplete runs under the run lock
// only when execution finished without error.
func (m *Manager) launch(tr *trackedRun, log *zap.Logger, execute func(context.Context) error, onComplete func()) {
	ctx, cancel := context.WithCancel(context.Background())
	tr.mu.Lock()
	tr.cancel = cancel
	tr.mu.Unlock()

	m.mu.Lock()
	m.runs[tr.summary.ID] = tr
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(tr.done)
		defer cancel()

		tr.mu.Lock()
		tr.summary.Status = models.RunStatusRunning
		tr.mu.Unlock()
		m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRunStarted})

		err := execute(ctx)

		tr.mu.Lock()
		now := time.Now()
		tr.summary.FinishedAt = &now
		tr.summary.Started, tr.summary.Finished, tr.summary.RateLimits = tr.progress()
		switch {
		case err == nil:
			tr.summary.Status = models.RunStatusCompleted
			onComplete()
		case errors.Is(err, context.Canceled):
			tr.summary.Status = models.RunStatusCancelled
		default:
			tr.summary.Status = models.RunStatusFailed
			tr.summary.Error = err.Error()
		}
		summary := tr.summary
		tr.mu.Unlock()

		switch summary.Status {
		case models.RunStatusCompleted:
			log.Info("run completed", zap.Int("results", summary.ResultCount))
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRunCompleted})
		case models.RunStatusCancelled:
			log.Info("run cancelled", zap.Int("finished_jobs", summary.Finished))
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRunCancelled})
		default:
			log.Error("run failed", zap.Error(err))
			m.publish(tr, eventbus.RunEvent{Type: eventbus.EventRunFailed, Error: summary.Error})
		}

		m.persist(tr, summary, log)
	}()
}

func (m *Manager) persist(tr *trackedRun, summary models.RunSummary, log *zap.Logger) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.store.SaveRun(ctx, summary); err != nil {
		log.Error("failed to persist run", zap.Error(err))
		return
	}
	if summary.Status != models.RunStatusCompleted {
		return
	}

	var err error
	switch summary.Kind {
	case models.RunKindGeneration:
		err = m.store.SaveCandidates(ctx, summary.ID, tr.candidates)
	case models.RunKindEvaluation:
		err = m.store.SaveScores(ctx, summary.ID, tr.scores.Entries())
	}
	if err != nil {
		log.Error("failed to persist run results", zap.Error(err))
	}
}

func (m *Manager) publish(tr *trackedRun, ev eventbus.RunEvent) {
	ev.RunID = tr.summary.ID
	ev.Kind = tr.summary.Kind
	ev.Timestamp = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Debug("run event not published",
			zap.String("run_id", ev.RunID.String()),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}

func (m *Manager) get(id uuid.UUID) (*trackedRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return tr, nil
}

// Status returns a run's summary with live progress. Runs from earlier
// processes are looked up in the store.
func (m *Manager) Status(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	tr, err := m.get(id)
	if errors.Is(err, ErrRunNotFound) && m.store != nil {
		summary, err := m.store.GetRun(ctx, id)
		if errors.Is(err, results.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return summary, err
	}
	if err != nil {
		return nil, err
	}
	summary := tr.snapshot()
	return &summary, nil
}

func (tr *trackedRun) snapshot() models.RunSummary {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	summary := tr.summary
	if !summary.Status.Terminal() && tr.progress != nil {
		summary.Started, summary.Finished, summary.RateLimits = tr.progress()
	}
	return summary
}

// Candidates returns a completed generation run's candidates
func (m *Manager) Candidates(id uuid.UUID) ([]*models.GeneratedCandidate, error) {
	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.summary.Kind != models.RunKindGeneration {
		return nil, ErrWrongKind
	}
	if tr.summary.Status != models.RunStatusCompleted {
		return nil, ErrRunNotCompleted
	}
	return tr.candidates, nil
}

// Scores returns a completed evaluation run's scores in candidate order
func (m *Manager) Scores(id uuid.UUID) ([]models.ScoredCandidate, error) {
	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.summary.Kind != models.RunKindEvaluation {
		return nil, ErrWrongKind
	}
	if tr.summary.Status != models.RunStatusCompleted {
		return nil, ErrRunNotCompleted
	}
	return tr.scores.Entries(), nil
}

// Cancel stops a queued or running run. Its partial results are discarded.
func (m *Manager) Cancel(id uuid.UUID) error {
	tr, err := m.get(id)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	terminal, cancel := tr.summary.Status.Terminal(), tr.cancel
	tr.mu.Unlock()
	if terminal {
		return ErrRunFinished
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the run reaches a terminal state or ctx ends
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	tr, err := m.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-tr.done:
		summary := tr.snapshot()
		return &summary, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListRuns returns runs of a kind, newest first; an empty kind lists every run.
// Stored runs from earlier processes are included when a store is configured.
func (m *Manager) ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.RunSummary, error) {
	m.mu.RLock()
	seen := make(map[uuid.UUID]bool, len(m.runs))
	var out []models.RunSummary
	for id, tr := range m.runs {
		summary := tr.snapshot()
		if kind != "" && summary.Kind != kind {
			continue
		}
		seen[id] = true
		out = append(out, summary)
	}
	m.mu.RUnlock()

	if m.store != nil {
		stored, err := m.store.ListRuns(ctx, kind, limit)
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			if !seen[s.ID] {
				out = append(out, s)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Shutdown cancels every active run and waits for them to stop
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, tr := range m.runs {
		tr.mu.Lock()
		cancel := tr.cancel
		tr.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func findEndpoint(endpoints []*models.ModelEndpoint, name string) *models.ModelEndpoint {
	if name == "" {
		return nil
	}
	for _, ep := range endpoints {
		if ep.Name == name {
			return ep
		}
	}
	return nil
}

func endpointName(c *models.GeneratedCandidate) string {
	if c.Endpoint == nil {
		return ""
	}
	return c.Endpoint.Name
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
