package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/api/dto"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/lifecycle"
)

// UserIDHeader carries the caller identity. Authentication itself lives in
// the gateway in front of this service; the header is trusted as-is.
const UserIDHeader = "X-User-ID"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Manager *lifecycle.Manager
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	manager *lifecycle.Manager
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		manager: deps.Manager,
	}
}

// userID extracts the caller identity, aborting with 400 when missing
func (h *JobHandler) userID(c *gin.Context) (string, bool) {
	userID := c.GetHeader(UserIDHeader)
	if userID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: UserIDHeader + " header is required"})
		return "", false
	}
	return userID, true
}

// writeError maps domain errors to HTTP statuses
func (h *JobHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.Is(err, job.ErrAccessDenied):
		c.JSON(http.StatusForbidden, dto.ErrorResponse{Error: "access denied"})
	case errors.Is(err, job.ErrInvalidState):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, job.ErrConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job was modified concurrently, retry"})
	case errors.Is(err, job.ErrInvalidProgress):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
	}
}
