// Package results persists finished runs and exports their scores.
package results

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sqlbench/api/internal/models"
)

// ErrNotFound is returned when no run has the requested id
var ErrNotFound = errors.New("run not found")

// Store persists run summaries and their results
type Store interface {
	SaveRun(ctx context.Context, run models.RunSummary) error
	SaveCandidates(ctx context.Context, runID uuid.UUID, candidates []*models.GeneratedCandidate) error
	SaveScores(ctx context.Context, runID uuid.UUID, scores []models.ScoredCandidate) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.RunSummary, error)
	ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.RunSummary, error)
}

// PostgresStore implements Store on the tables created by the embedded migrations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an open pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SaveRun inserts or updates a run summary
func (s *PostgresStore) SaveRun(ctx context.Context, run models.RunSummary) error {
	var comparator *string
	if run.Comparator != "" {
		c := string(run.Comparator)
		comparator = &c
	}
	var runErr *string
	if run.Error != "" {
		runErr = &run.Error
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, kind, status, source_run_id, comparator, pool_size, repetitions, max_attempts,
			total_jobs, finished_jobs, rate_limits, result_count, mean_score, error, created_by, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_jobs = EXCLUDED.total_jobs,
			finished_jobs = EXCLUDED.finished_jobs,
			rate_limits = EXCLUDED.rate_limits,
			result_count = EXCLUDED.result_count,
			mean_score = EXCLUDED.mean_score,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`, run.ID, string(run.Kind), string(run.Status), run.SourceRunID, comparator, run.PoolSize, run.Repetitions, run.MaxAttempts,
		run.TotalJobs, run.Finished, run.RateLimits, run.ResultCount, run.MeanScore, runErr, run.CreatedBy,
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// SaveCandidates bulk-copies a generation run's candidates
func (s *PostgresStore) SaveCandidates(ctx context.Context, runID uuid.UUID, candidates []*models.GeneratedCandidate) error {
	rows := make([][]any, 0, len(candidates))
	for _, c := range candidates {
		var promptID *uuid.UUID
		var promptText, promptType, sampleName, referenceSQL *string
		if c.Prompt != nil {
			promptID = &c.Prompt.ID
			promptText = &c.Prompt.Text
			pt := string(c.Prompt.Type)
			promptType = &pt
			if q := c.Prompt.SampleQuery; q != nil {
				sampleName = &q.Name
				referenceSQL = &q.ReferenceSQL
			}
		}
		rows = append(rows, []any{
			c.ID, runID, c.Endpoint.ID, c.Endpoint.Name, string(c.Endpoint.Provider), c.Endpoint.Model,
			promptID, promptText, promptType, sampleName, referenceSQL,
			c.Repetition, c.Temperature, c.SQL, c.CreatedAt,
		})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"candidates"},
		[]string{"id", "run_id", "endpoint_id", "endpoint_name", "provider", "model",
			"prompt_id", "prompt_text", "prompt_type", "sample_query", "reference_sql",
			"repetition", "temperature", "sql", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("save candidates: %w", err)
	}
	return nil
}

// SaveScores upserts an evaluation run's scores; NaN is stored as NULL
func (s *PostgresStore) SaveScores(ctx context.Context, runID uuid.UUID, scores []models.ScoredCandidate) error {
	batch := &pgx.Batch{}
	for _, sc := range scores {
		var score *float64
		if !math.IsNaN(sc.Score) {
			v := sc.Score
			score = &v
		}
		batch.Queue(`
			INSERT INTO scores (run_id, candidate_id, score) VALUES ($1, $2, $3)
			ON CONFLICT (run_id, candidate_id) DO UPDATE SET score = EXCLUDED.score
		`, runID, sc.Candidate.ID, score)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save scores: %w", err)
	}
	return nil
}

const runColumns = `id, kind, status, source_run_id, COALESCE(comparator, ''), pool_size, COALESCE(repetitions, 0),
	COALESCE(max_attempts, 0), total_jobs, finished_jobs, rate_limits, result_count, mean_score,
	COALESCE(error, ''), created_by, started_at, finished_at`

// GetRun loads one run summary
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs of a kind; an empty kind lists every run
func (s *PostgresStore) ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE ($1 = '' OR kind = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*models.RunSummary, error) {
	var run models.RunSummary
	var kind, status, comparator string
	err := row.Scan(&run.ID, &kind, &status, &run.SourceRunID, &comparator, &run.PoolSize, &run.Repetitions,
		&run.MaxAttempts, &run.TotalJobs, &run.Finished, &run.RateLimits, &run.ResultCount, &run.MeanScore,
		&run.Error, &run.CreatedBy, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)
	run.Comparator = models.ComparatorKind(comparator)
	run.Started = run.Finished
	return &run, nil
}
