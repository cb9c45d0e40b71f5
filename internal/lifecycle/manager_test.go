package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeArtifacts records deletions so tests can assert cleanup happened
type fakeArtifacts struct {
	deleted []string
}

func (f *fakeArtifacts) Upload(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	return "http://test/" + key, nil
}

func (f *fakeArtifacts) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type managerFixture struct {
	mgr       *Manager
	store     *store.Memory
	queue     *queue.Memory
	artifacts *fakeArtifacts
}

func newFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()
	s := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	a := &fakeArtifacts{}
	return &managerFixture{
		mgr:       NewManager(s, q, a, testLogger(), cfg),
		store:     s,
		queue:     q,
		artifacts: a,
	}
}

// seed persists a job in the given status without going through CreateJob,
// so the queue starts empty
func (f *managerFixture) seed(t *testing.T, j job.Job) job.Job {
	t.Helper()
	created, err := f.store.Create(context.Background(), j)
	require.NoError(t, err)
	return created
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	input := json.RawMessage(`{"prompt":"a chair"}`)
	created, err := f.mgr.CreateJob(ctx, "u1", job.TypeTextTo3D, input)
	require.NoError(t, err)

	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.Equal(t, 0.0, created.Progress)
	assert.Equal(t, 0, created.RetryCount)
	assert.Nil(t, created.StartedAt)
	assert.Equal(t, 1, f.queue.Len())

	// Persisted identically
	stored, err := f.store.Get(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
	assert.JSONEq(t, string(input), string(stored.InputData))
}

func TestCreateJob_UnsupportedType(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.mgr.CreateJob(context.Background(), "u1", job.Type("VIDEO_TO_3D"), nil)
	require.Error(t, err)
	assert.Equal(t, 0, f.queue.Len())
}

// failingQueue always rejects enqueues
type failingQueue struct {
	*queue.Memory
}

func (f *failingQueue) Enqueue(context.Context, queue.Task, time.Duration) error {
	return errors.New("broker unavailable")
}

func TestCreateJob_EnqueueFailureLeavesJobPending(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	q := &failingQueue{Memory: queue.NewMemory(time.Minute)}
	mgr := NewManager(s, q, &fakeArtifacts{}, testLogger(), Config{})

	created, err := mgr.CreateJob(ctx, "u1", job.TypeTextTo3D, nil)
	require.NoError(t, err)

	// The record survives for the reconciler to resubmit
	stored, err := s.Get(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
}

func TestMarkProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	seeded := f.seed(t, job.Job{JobID: "j1", UserID: "u1", JobType: job.TypeTextTo3D, Status: job.StatusPending})

	first, err := f.mgr.MarkProcessing(ctx, seeded.JobID, "w1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, first.Status)
	require.NotNil(t, first.StartedAt)

	// Duplicate delivery: no error, started_at unchanged
	second, err := f.mgr.MarkProcessing(ctx, seeded.JobID, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, second.Status)
	assert.Equal(t, *first.StartedAt, *second.StartedAt)
	assert.Equal(t, first.Version, second.Version)
}

func TestMarkProcessing_TerminalJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusCancelled})

	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	assert.ErrorIs(t, err, job.ErrInvalidState)

	_, err = f.mgr.MarkProcessing(ctx, "missing", "w1")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})
	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)

	updated, err := f.mgr.UpdateProgress(ctx, "j1", 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0.3, updated.Progress)

	// Equal progress is allowed, regression is not
	_, err = f.mgr.UpdateProgress(ctx, "j1", 0.3)
	require.NoError(t, err)

	tests := []struct {
		name     string
		progress float64
	}{
		{"regression", 0.2},
		{"negative", -0.1},
		{"above one", 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.UpdateProgress(ctx, "j1", tt.progress)
			assert.ErrorIs(t, err, job.ErrInvalidProgress)

			stored, getErr := f.store.Get(ctx, "j1")
			require.NoError(t, getErr)
			assert.Equal(t, 0.3, stored.Progress)
		})
	}
}

func TestUpdateProgress_StateGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "pending", UserID: "u1", Status: job.StatusPending})
	f.seed(t, job.Job{JobID: "done", UserID: "u1", Status: job.StatusCompleted, Progress: 1.0})

	// A job that has not started cannot report progress
	_, err := f.mgr.UpdateProgress(ctx, "pending", 0.5)
	assert.ErrorIs(t, err, job.ErrInvalidState)

	// Terminal jobs swallow late progress silently
	updated, err := f.mgr.UpdateProgress(ctx, "done", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, updated.Progress)
	assert.Equal(t, job.StatusCompleted, updated.Status)
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", JobType: job.TypeTextTo3D, Status: job.StatusPending})
	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)

	files := []job.OutputFile{{Format: "glb", URL: "http://test/jobs/j1/model.glb", Filename: "model.glb"}}
	completed, err := f.mgr.MarkCompleted(ctx, "j1", files)
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, completed.Status)
	assert.Equal(t, 1.0, completed.Progress)
	assert.Equal(t, files, completed.OutputFiles)
	require.NotNil(t, completed.CompletedAt)
	require.NotNil(t, completed.ProcessingTimeSeconds)
	assert.GreaterOrEqual(t, *completed.ProcessingTimeSeconds, 0.0)
}

func TestMarkCompleted_RequiresProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	seeded := f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})

	_, err := f.mgr.MarkCompleted(ctx, "j1", nil)
	assert.ErrorIs(t, err, job.ErrInvalidState)

	// Record unchanged by the rejected transition
	stored, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
	assert.Equal(t, seeded.Version, stored.Version)
}

func TestMarkFailed_RetryableRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 3, RetryBaseDelay: time.Second, RetryMaxDelay: time.Minute})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})
	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)
	_, err = f.mgr.UpdateProgress(ctx, "j1", 0.6)
	require.NoError(t, err)

	failed, err := f.mgr.MarkFailed(ctx, "j1", "gpu went away", true)
	require.NoError(t, err)

	assert.Equal(t, job.StatusPending, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, 0.0, failed.Progress)
	assert.Empty(t, failed.ErrorMessage)
	assert.Equal(t, 1, f.queue.Len())
}

func TestMarkFailed_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 3})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending, RetryCount: 2})
	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)

	failed, err := f.mgr.MarkFailed(ctx, "j1", "still broken", true)
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Equal(t, "still broken", failed.ErrorMessage)
	require.NotNil(t, failed.CompletedAt)
	assert.Equal(t, 0, f.queue.Len())
}

func TestMarkFailed_TerminalError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxRetries: 3})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})
	_, err := f.mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)

	failed, err := f.mgr.MarkFailed(ctx, "j1", "prompt is empty", false)
	require.NoError(t, err)

	// No retry budget consumed, no requeue
	assert.Equal(t, job.StatusFailed, failed.Status)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, "prompt is empty", failed.ErrorMessage)
	assert.Equal(t, 0, f.queue.Len())
}

func TestMarkFailed_TerminalJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusCancelled})

	_, err := f.mgr.MarkFailed(ctx, "j1", "late failure", true)
	assert.ErrorIs(t, err, job.ErrInvalidState)
}

func TestBackoffDelay(t *testing.T) {
	f := newFixture(t, Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second})

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.mgr.backoffDelay(tt.retryCount), "retry_count=%d", tt.retryCount)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})

	cancelled, err := f.mgr.Cancel(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Already terminal
	_, err = f.mgr.Cancel(ctx, "j1", "u1")
	assert.ErrorIs(t, err, job.ErrInvalidState)
}

func TestCancel_AccessDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})

	_, err := f.mgr.Cancel(ctx, "j1", "intruder")
	assert.ErrorIs(t, err, job.ErrAccessDenied)

	stored, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, stored.Status)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{
		JobID:  "j1",
		UserID: "u1",
		Status: job.StatusCompleted,
		OutputFiles: []job.OutputFile{
			{Format: "glb", Filename: "model.glb"},
			{Format: "obj", Filename: "model.obj"},
		},
	})

	require.NoError(t, f.mgr.Delete(ctx, "j1", "u1"))

	_, err := f.store.Get(ctx, "j1")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
	assert.Equal(t, []string{"jobs/j1/model.glb", "jobs/j1/model.obj"}, f.artifacts.deleted)
}

func TestDelete_CancelsActiveJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})

	require.NoError(t, f.mgr.Delete(ctx, "j1", "u1"))

	_, err := f.store.Get(ctx, "j1")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestDelete_AccessDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusCompleted})

	err := f.mgr.Delete(ctx, "j1", "intruder")
	assert.ErrorIs(t, err, job.ErrAccessDenied)

	_, err = f.store.Get(ctx, "j1")
	assert.NoError(t, err)
}

func TestGetStatus_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})

	got, err := f.mgr.GetStatus(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)

	_, err = f.mgr.GetStatus(ctx, "j1", "intruder")
	assert.ErrorIs(t, err, job.ErrAccessDenied)

	_, err = f.mgr.GetStatus(ctx, "missing", "u1")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	for _, id := range []string{"a", "b", "c"} {
		f.seed(t, job.Job{JobID: id, UserID: "u1", JobType: job.TypeTextTo3D, Status: job.StatusPending})
		time.Sleep(2 * time.Millisecond)
	}
	f.seed(t, job.Job{JobID: "other", UserID: "u2", Status: job.StatusPending})

	summaries, err := f.mgr.ListJobs(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, "c", summaries[0].JobID)

	// Summaries carry no payload fields by construction
	assert.Equal(t, job.TypeTextTo3D, summaries[0].JobType)
}

// conflictStore fails the first N updates with ErrConflict to exercise the
// manager's internal retry
type conflictStore struct {
	*store.Memory
	remaining int
}

func (c *conflictStore) Update(ctx context.Context, j job.Job) (job.Job, error) {
	if c.remaining > 0 {
		c.remaining--
		return job.Job{}, job.ErrConflict
	}
	return c.Memory.Update(ctx, j)
}

func TestMutate_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{Memory: store.NewMemory(), remaining: 2}
	mgr := NewManager(s, queue.NewMemory(time.Minute), &fakeArtifacts{}, testLogger(), Config{ConflictRetries: 3})

	_, err := s.Create(ctx, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})
	require.NoError(t, err)

	updated, err := mgr.MarkProcessing(ctx, "j1", "w1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, updated.Status)
}

func TestMutate_ConflictBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{Memory: store.NewMemory(), remaining: 100}
	mgr := NewManager(s, queue.NewMemory(time.Minute), &fakeArtifacts{}, testLogger(), Config{ConflictRetries: 2})

	_, err := s.Create(ctx, job.Job{JobID: "j1", UserID: "u1", Status: job.StatusPending})
	require.NoError(t, err)

	_, err = mgr.MarkProcessing(ctx, "j1", "w1")
	assert.ErrorIs(t, err, job.ErrConflict)
}
