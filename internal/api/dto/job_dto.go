package dto

import (
	"encoding/json"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

type CreateJobRequest struct {
	JobType   string          `json:"job_type" binding:"required"`
	InputData json.RawMessage `json:"input_data"`
}

type ListJobsRequest struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

type ListJobsResponse struct {
	Jobs  []job.Summary `json:"jobs"`
	Count int           `json:"count"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
