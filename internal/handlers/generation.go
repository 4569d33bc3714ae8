package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/middleware"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/orchestration"
)

const maxWorkloadBytes = 1 << 20

// GenerationHandler handles SQL generation run endpoints
type GenerationHandler struct {
	manager *orchestration.Manager
	logger  *zap.Logger
}

// NewGenerationHandler creates a new generation handler
func NewGenerationHandler(manager *orchestration.Manager, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{manager: manager, logger: logger}
}

// StartGenerationRequest is the JSON request body for starting generation
type StartGenerationRequest struct {
	Workload *config.Workload `json:"workload" binding:"required"`
}

// CandidateResponse is one generated statement with its provenance
type CandidateResponse struct {
	ID          string  `json:"id"`
	Endpoint    string  `json:"endpoint"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	PromptID    string  `json:"prompt_id"`
	SampleQuery string  `json:"sample_query,omitempty"`
	Repetition  int     `json:"repetition"`
	Temperature float64 `json:"temperature"`
	SQL         string  `json:"sql"`
}

func newCandidateResponse(c *models.GeneratedCandidate) CandidateResponse {
	out := CandidateResponse{
		ID:          c.ID.String(),
		Repetition:  c.Repetition,
		Temperature: c.Temperature,
		SQL:         c.SQL,
	}
	if c.Endpoint != nil {
		out.Endpoint, out.Provider, out.Model = c.Endpoint.Name, string(c.Endpoint.Provider), c.Endpoint.Model
	}
	if c.Prompt != nil {
		out.PromptID = c.Prompt.ID.String()
		if c.Prompt.SampleQuery != nil {
			out.SampleQuery = c.Prompt.SampleQuery.Name
		}
	}
	return out
}

// StartGeneration launches a generation run for the posted workload.
// The workload is accepted as JSON ({"workload": {...}}) or as a raw YAML document.
func (h *GenerationHandler) StartGeneration(c *gin.Context) {
	workload, err := bindWorkload(c)
	if err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	id, err := h.manager.StartGeneration(workload, userRef(c))
	if err != nil {
		middleware.RespondErrorWithDetails(c, http.StatusBadRequest, middleware.ErrCodeBadRequest, "invalid workload", err.Error())
		return
	}

	summary, err := h.manager.Status(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}

	h.logger.Info("generation run started",
		zap.String("run_id", id.String()),
		zap.Int("total_jobs", summary.TotalJobs),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     id,
		"status":     summary.Status,
		"total_jobs": summary.TotalJobs,
		"message":    "Generation started",
	})
}

// bindWorkload reads a JSON or YAML workload of at most maxWorkloadBytes. Endpoint keys may
// only come from variables reserved for workloads, never from the server's own settings.
func bindWorkload(c *gin.Context) (*config.Workload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWorkloadBytes)

	var workload *config.Workload
	if strings.Contains(c.ContentType(), "yaml") {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		if workload, err = config.ParseWorkload(raw); err != nil {
			return nil, err
		}
	} else {
		var req StartGenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		if req.Workload == nil {
			return nil, errors.New("workload is required")
		}
		workload = req.Workload
	}

	if err := workload.CheckCredentialsEnv(config.APICredentialsEnvPrefix); err != nil {
		return nil, err
	}
	return workload, nil
}

// GetGenerationStatus returns the status of a generation run
func (h *GenerationHandler) GetGenerationStatus(c *gin.Context) {
	status(c, h.manager, models.RunKindGeneration, h.logger)
}

// GetCandidates returns a completed run's candidates; 409 while the run is still going
func (h *GenerationHandler) GetCandidates(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	candidates, err := h.manager.Candidates(id)
	if err != nil {
		respondRunError(c, h.logger, err)
		return
	}

	out := make([]CandidateResponse, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, newCandidateResponse(cand))
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "candidates": out, "count": len(out)})
}

// CancelGeneration cancels an in-progress generation run
func (h *GenerationHandler) CancelGeneration(c *gin.Context) {
	cancel(c, h.manager, models.RunKindGeneration, h.logger)
}
