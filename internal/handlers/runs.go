package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/eventbus"
	"github.com/sqlbench/api/internal/middleware"
	"github.com/sqlbench/api/internal/models"
	"github.com/sqlbench/api/internal/orchestration"
)

// RunStatus is the status body shared by generation and evaluation runs
type RunStatus struct {
	models.RunSummary
	Progress float64 `json:"progress"`
}

func newRunStatus(s *models.RunSummary) RunStatus {
	return RunStatus{RunSummary: *s, Progress: s.Progress()}
}

// RunsHandler lists runs and replays their events
type RunsHandler struct {
	manager *orchestration.Manager
	events  eventbus.EventLog
	logger  *zap.Logger
}

// NewRunsHandler creates a runs handler; events may be nil when JetStream is unavailable
func NewRunsHandler(manager *orchestration.Manager, events eventbus.EventLog, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{manager: manager, events: events, logger: logger}
}

// ListRuns returns recent runs, optionally filtered by ?kind=generation|evaluation
func (h *RunsHandler) ListRuns(c *gin.Context) {
	kind := models.RunKind(c.Query("kind"))
	if kind != "" && kind != models.RunKindGeneration && kind != models.RunKindEvaluation {
		middleware.BadRequest(c, "kind must be generation or evaluation")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := h.manager.ListRuns(c.Request.Context(), kind, limit)
	if err != nil {
		h.logger.Error("failed to list runs", zap.Error(err))
		middleware.InternalError(c, "failed to list runs")
		return
	}

	out := make([]RunStatus, 0, len(runs))
	for i := range runs {
		out = append(out, newRunStatus(&runs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out, "count": len(out)})
}

// GetEvents replays a run's retained progress events
func (h *RunsHandler) GetEvents(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	if h.events == nil {
		middleware.ServiceUnavailable(c, "run event log is not configured")
		return
	}

	events, err := h.events.Read(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to read run events", zap.String("run_id", id.String()), zap.Error(err))
		middleware.InternalError(c, "failed to read run events")
		return
	}
	if events == nil {
		events = []eventbus.RunEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "events": events})
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid run ID")
		return uuid.Nil, false
	}
	return id, true
}

// userRef returns the caller as a pointer for run attribution
func userRef(c *gin.Context) *uuid.UUID {
	if id, ok := middleware.GetUserID(c); ok {
		return &id
	}
	return nil
}

// respondRunError maps manager errors onto API errors
func respondRunError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, orchestration.ErrRunNotFound), errors.Is(err, orchestration.ErrWrongKind):
		middleware.NotFound(c, "run not found")
	case errors.Is(err, orchestration.ErrRunNotCompleted):
		middleware.Conflict(c, "run has not completed")
	case errors.Is(err, orchestration.ErrRunFinished):
		middleware.Conflict(c, "run already finished")
	default:
		logger.Error("run request failed", zap.Error(err))
		middleware.InternalError(c, "run request failed")
	}
}

// status writes a run's status when it has the expected kind
func status(c *gin.Context, manager *orchestration.Manager, kind models.RunKind, logger *zap.Logger) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	summary, err := manager.Status(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, logger, err)
		return
	}
	if summary.Kind != kind {
		middleware.NotFound(c, "run not found")
		return
	}
	c.JSON(http.StatusOK, newRunStatus(summary))
}

// cancel stops a run of the expected kind
func cancel(c *gin.Context, manager *orchestration.Manager, kind models.RunKind, logger *zap.Logger) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}
	summary, err := manager.Status(c.Request.Context(), id)
	if err != nil {
		respondRunError(c, logger, err)
		return
	}
	if summary.Kind != kind {
		middleware.NotFound(c, "run not found")
		return
	}
	if err := manager.Cancel(id); err != nil {
		respondRunError(c, logger, err)
		return
	}

	logger.Info("run cancellation requested", zap.String("run_id", id.String()), zap.String("kind", string(kind)))
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  id,
		"status":  "cancelling",
		"message": "Cancellation requested",
	})
}
