package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/middleware"
	"github.com/sqlbench/api/internal/similarity"
)

// CompareHandler scores ad-hoc statement pairs structurally
type CompareHandler struct {
	comparator *similarity.StructuralComparator
	logger     *zap.Logger
}

// NewCompareHandler creates a new compare handler
func NewCompareHandler(comparator *similarity.StructuralComparator, logger *zap.Logger) *CompareHandler {
	return &CompareHandler{comparator: comparator, logger: logger}
}

// CompareRequest carries the two statements to compare
type CompareRequest struct {
	Reference string `json:"reference" binding:"required"`
	Candidate string `json:"candidate" binding:"required"`
}

// Compare returns the structural score of candidate against reference with its component breakdown
func (h *CompareHandler) Compare(c *gin.Context) {
	var req CompareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	breakdown, err := h.comparator.Breakdown(req.Reference, req.Candidate)
	if errors.Is(err, similarity.ErrParse) {
		middleware.Unprocessable(c, "statement could not be parsed", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("structural comparison failed", zap.Error(err))
		middleware.InternalError(c, "comparison failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"score":     breakdown.Total,
		"breakdown": breakdown,
	})
}
