package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/middleware"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/orchestration"
	"github.com/sqlbench/api/internal/results"
)

// EvaluationHandler handles candidate scoring run endpoints
type EvaluationHandler struct {
	manager *orchestration.Manager
	logger  *zap.Logger
}

// NewEvaluationHandler creates a new evaluation handler
func NewEvaluationHandler(manager *orchestration.Manager, logger *zap.Logger) *EvaluationHandler {
	return &EvaluationHandler{manager: manager, logger: logger}
}

// StartEvaluationRequest is the request body for starting an evaluation
type StartEvaluationRequest struct {
	GenerationRunID uuid.UUID `json:"generation_run_id" binding:"required"`
	orchestration.EvaluationOptions
}

// ScoreResponse is one candidate's score; Score is null when it could not be scored
type ScoreResponse struct {
	CandidateResponse
	Score *float64 `json:"score"`
}

// StartEvaluation scores a completed generation run's candidates
func (h *EvaluationHandler) StartEvaluation(c *gin.Context) {
	var req StartEvaluationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	id, err := h.manager.StartEvaluation(req.GenerationRunID, req.EvaluationOptions, userRef(c))
	switch {
	case errors.Is(err, orchestration.ErrRunNotFound), errors.Is(err, orchestration.ErrWrongKind):
		middleware.NotFound(c, "generation run not found")
		return
	case errors.Is(err, orchestration.ErrRunNotCompleted):
		middleware.Conflict(c, "generation run has not completed")
		return
	case err != nil:
		middleware.RespondErrorWithDetails(c, http.StatusBadRequest, middleware.ErrCodeBadRequest, "invalid evaluation options", err.Error())
		return
	}

	summary, err := h.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}

	h.logger.Info("evaluation run started",
		zap.String("run_id", id.String()),
		zap.String("generation_run_id", req.GenerationRunID.String()),
		zap.String("comparator", string(summary.Comparator)),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     id,
		"status":     summary.Status,
		"comparator": summary.Comparator,
		"total_jobs": summary.TotalJobs,
		"message":    "Evaluation started",
	})
}

// GetEvaluationStatus returns the status of an evaluation run
func (h *EvaluationHandler) GetEvaluationStatus(c *gin.Context) {
	status(c, h.manager, models.RunKindEvaluation, h.logger)
}

// GetScores returns a completed run's score map
func (h *EvaluationHandler) GetScores(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	entries, err := h.manager.Scores(id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}

	out := make([]ScoreResponse, 0, len(entries))
	scored := 0
	for _, e := range entries {
		score := models.NullableScore(e.Score)
		if score != nil {
			scored++
		}
		out = append(out, ScoreResponse{CandidateResponse: newCandidateResponse(e.Candidate), Score: score})
	}

	summary, err := h.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     id,
		"scores":     out,
		"count":      len(out),
		"scored":     scored,
		"mean_score": summary.MeanScore,
	})
}

// GetScoresCSV streams a completed run's scores as CSV, one row per candidate
func (h *EvaluationHandler) GetScoresCSV(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	entries, err := h.manager.Scores(id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}

	var buf bytes.Buffer
	if err := results.WriteScoresCSV(&buf, entries); err != nil {
		h.logger.Error("failed to render scores", zap.String("run_id", id.String()), zap.Error(err))
		middleware.InternalError(c, "failed to render scores")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="scores-%s.csv"`, id))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// CancelEvaluation cancels an in-progress evaluation run
func (h *EvaluationHandler) CancelEvaluation(c *gin.Context) {
	cancel(c, h.manager, models.RunKindEvaluation, h.logger)
}
