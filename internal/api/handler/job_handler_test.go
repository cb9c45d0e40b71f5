package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/lifecycle"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/store"
)

type apiFixture struct {
	router  *gin.Engine
	manager *lifecycle.Manager
	store   *store.Memory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	fs, err := artifact.NewLocalFS(t.TempDir(), "http://localhost/artifacts")
	require.NoError(t, err)

	mgr := lifecycle.NewManager(s, q, fs, logger, lifecycle.Config{})
	h := NewJobHandler(&Dependencies{Logger: logger, Manager: mgr})

	r := gin.New()
	v1 := r.Group("/api/v1")
	jobs := v1.Group("/jobs")
	jobs.POST("", h.CreateJob)
	jobs.GET("", h.ListJobs)
	jobs.GET("/:job_id", h.GetJob)
	jobs.GET("/:job_id/result", h.GetJobResult)
	jobs.POST("/:job_id/cancel", h.CancelJob)
	jobs.DELETE("/:job_id", h.DeleteJob)

	return &apiFixture{router: r, manager: mgr, store: s}
}

func (f *apiFixture) do(method, path, userID, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/v1/jobs", "u1", `{"job_type":"TEXT_TO_3D","input_data":{"prompt":"a chair"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.Equal(t, "u1", created.UserID)
}

func TestCreateJobEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		userID string
		body   string
		want   int
	}{
		{"missing user header", "", `{"job_type":"TEXT_TO_3D"}`, http.StatusBadRequest},
		{"missing job_type", "u1", `{}`, http.StatusBadRequest},
		{"unknown job_type", "u1", `{"job_type":"SOUND_TO_3D"}`, http.StatusBadRequest},
		{"malformed body", "u1", `{nope`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/v1/jobs", tt.userID, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
	require.NoError(t, err)

	t.Run("owner sees the job", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID, "u1", "")
		require.Equal(t, http.StatusOK, w.Code)

		var got job.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, created.JobID, got.JobID)
	})

	t.Run("other user is rejected", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID, "intruder", "")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/nope", "u1", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetJobResultEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
	require.NoError(t, err)

	// Not finished yet
	w := f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID+"/result", "u1", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Drive the job to completion
	_, err = f.manager.MarkProcessing(ctx, created.JobID, "w1")
	require.NoError(t, err)
	_, err = f.manager.MarkCompleted(ctx, created.JobID, []job.OutputFile{
		{Format: "glb", URL: "http://localhost/artifacts/jobs/x/model.glb", Filename: "model.glb"},
	})
	require.NoError(t, err)

	w = f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID+"/result", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.OutputFiles, 1)
	assert.Equal(t, "model.glb", got.OutputFiles[0].Filename)
}

func TestCancelJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/jobs/"+created.JobID+"/cancel", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(job.StatusCancelled))

	// Cancelling a terminal job conflicts
	w = f.do(http.MethodPost, "/api/v1/jobs/"+created.JobID+"/cancel", "u1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.manager.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
	require.NoError(t, err)

	w := f.do(http.MethodDelete, "/api/v1/jobs/"+created.JobID, "u1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodGet, "/api/v1/jobs/"+created.JobID, "u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.manager.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
		require.NoError(t, err)
	}
	_, err := f.manager.CreateJob(ctx, "u2", job.TypeImageTo3D, json.RawMessage(`{"image_url":"http://x/in.png"}`))
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/jobs", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs  []job.Summary `json:"jobs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Len(t, resp.Jobs, 3)
}
