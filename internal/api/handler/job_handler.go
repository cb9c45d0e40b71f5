package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/api/dto"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// CreateJob handles POST /api/v1/jobs
// Submits a new generation job and returns the PENDING record
func (h *JobHandler) CreateJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	jobType := job.Type(req.JobType)
	if !jobType.IsValid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "unsupported job_type: " + req.JobType})
		return
	}

	created, err := h.manager.CreateJob(c.Request.Context(), userID, jobType, req.InputData)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the full job record including progress and retry count
func (h *JobHandler) GetJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	j, err := h.manager.GetStatus(c.Request.Context(), c.Param("job_id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, j)
}

// GetJobResult handles GET /api/v1/jobs/:job_id/result
// Returns the job with its output files; a job that has not completed yet
// answers 409 so pollers can tell "not ready" from "gone"
func (h *JobHandler) GetJobResult(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	j, err := h.manager.GetResult(c.Request.Context(), c.Param("job_id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if j.Status != job.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job has not completed",
			"job_id": j.JobID,
			"status": j.Status,
		})
		return
	}

	c.JSON(http.StatusOK, j)
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first as summary projections
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid query parameters"})
		return
	}

	summaries, err := h.manager.ListJobs(c.Request.Context(), userID, req.Limit, req.Offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:  summaries,
		Count: len(summaries),
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	cancelled, err := h.manager.Cancel(c.Request.Context(), c.Param("job_id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelJobResponse{
		JobID:  cancelled.JobID,
		Status: string(cancelled.Status),
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	if err := h.manager.Delete(c.Request.Context(), c.Param("job_id"), userID); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
