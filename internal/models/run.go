package models

import (
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes generation runs from evaluation runs
type RunKind string

const (
	RunKindGeneration RunKind = "generation"
	RunKindEvaluation RunKind = "evaluation"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// RunSummary is the persisted and reported view of a run
type RunSummary struct {
	ID     uuid.UUID `json:"id"`
	Kind   RunKind   `json:"kind"`
	Status RunStatus `json:"status"`

	// Progress
	TotalJobs   int            `json:"total_jobs"`
	Started     int            `json:"started"`
	Finished    int            `json:"finished"`
	RateLimits  int            `json:"rate_limits"`
	ResultCount int            `json:"result_count"`
	PoolSize    int            `json:"pool_size"`
	Repetitions int            `json:"repetitions,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	SourceRunID *uuid.UUID     `json:"source_run_id,omitempty"`
	Comparator  ComparatorKind `json:"comparator,omitempty"`
	MeanScore   *float64       `json:"mean_score,omitempty"`
	Error       string         `json:"error,omitempty"`

	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Progress reports finished jobs as a fraction of the total
func (r RunSummary) Progress() float64 {
	if r.TotalJobs == 0 {
		if r.Status == RunStatusCompleted {
			return 1.0
		}
		return 0.0
	}
	return float64(r.Finished) / float64(r.TotalJobs)
}
