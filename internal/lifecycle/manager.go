package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/metrics"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/store"
)

// Config holds the lifecycle policy knobs
type Config struct {
	// MaxRetries bounds how many retryable failures requeue a job before it
	// is permanently failed
	MaxRetries int

	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff:
	// min(base * 2^retry_count, max)
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ConflictRetries bounds the internal read-validate-write retry cycle
	// when an optimistic update loses a race
	ConflictRetries int

	// ListPageSize caps ListJobs page sizes
	ListPageSize int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 3
	}
	if c.ListPageSize <= 0 {
		c.ListPageSize = 100
	}
	return c
}

// Manager owns the job state machine. All mutations are read-validate-write
// with the write conditioned on the record being unchanged since the read;
// a lost race is retried internally up to a small budget.
type Manager struct {
	store     store.Store
	queue     queue.Queue
	artifacts artifact.Storage
	logger    *slog.Logger
	cfg       Config

	now func() time.Time
}

// NewManager wires the lifecycle manager to its collaborators
func NewManager(s store.Store, q queue.Queue, a artifact.Storage, logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		store:     s,
		queue:     q,
		artifacts: a,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// errNoWrite signals that apply decided the mutation is a no-op; the current
// record is returned unchanged
var errNoWrite = errors.New("no write needed")

// mutate runs one read-validate-write cycle, retrying on version conflicts
func (m *Manager) mutate(ctx context.Context, jobID string, apply func(j *job.Job) error) (job.Job, error) {
	for attempt := 0; ; attempt++ {
		current, err := m.store.Get(ctx, jobID)
		if err != nil {
			return job.Job{}, err
		}

		next := current.Clone()
		if err := apply(&next); err != nil {
			if errors.Is(err, errNoWrite) {
				return current, nil
			}
			return job.Job{}, err
		}

		updated, err := m.store.Update(ctx, next)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, job.ErrConflict) {
			return job.Job{}, err
		}
		if attempt >= m.cfg.ConflictRetries {
			m.logger.Warn("Job update lost race, retry budget exhausted",
				slog.String("job_id", jobID),
				slog.Int("attempts", attempt+1),
			)
			return job.Job{}, fmt.Errorf("update retries exhausted: %w", job.ErrConflict)
		}
	}
}

// CreateJob allocates a job id, persists the record as PENDING and submits
// it to the queue. The store write and the queue write are not transactional:
// if the enqueue fails the job stays PENDING and the reconciler re-enqueues
// it after the grace period.
func (m *Manager) CreateJob(ctx context.Context, userID string, jobType job.Type, input json.RawMessage) (job.Job, error) {
	if !jobType.IsValid() {
		return job.Job{}, fmt.Errorf("unsupported job type: %q", jobType)
	}

	j := job.Job{
		JobID:     uuid.New().String(),
		UserID:    userID,
		JobType:   jobType,
		Status:    job.StatusPending,
		Progress:  0,
		InputData: input,
	}

	created, err := m.store.Create(ctx, j)
	if err != nil {
		return job.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	metrics.JobsCreatedTotal.WithLabelValues(string(jobType)).Inc()

	if err := m.enqueue(ctx, created, 0); err != nil {
		// Recoverable: reconciliation re-enqueues PENDING jobs
		m.logger.Warn("Job persisted but enqueue failed, deferring to reconciler",
			slog.String("job_id", created.JobID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("Job created",
		slog.String("job_id", created.JobID),
		slog.String("user_id", userID),
		slog.String("job_type", string(jobType)),
	)
	return created, nil
}

func (m *Manager) enqueue(ctx context.Context, j job.Job, delay time.Duration) error {
	return m.queue.Enqueue(ctx, queue.Task{
		JobID:     j.JobID,
		JobType:   j.JobType,
		InputData: j.InputData,
	}, delay)
}

// MarkProcessing transitions PENDING -> PROCESSING and stamps started_at on
// the first transition. Idempotent against duplicate delivery: a second call
// while already PROCESSING is a no-op returning the current record. Any
// terminal state yields ErrInvalidState so late deliveries are skipped.
func (m *Manager) MarkProcessing(ctx context.Context, jobID, workerID string) (job.Job, error) {
	updated, err := m.mutate(ctx, jobID, func(j *job.Job) error {
		switch j.Status {
		case job.StatusProcessing:
			return errNoWrite
		case job.StatusPending:
			j.Status = job.StatusProcessing
			if j.StartedAt == nil {
				t := m.now()
				j.StartedAt = &t
			}
			return nil
		default:
			return fmt.Errorf("cannot start %s job: %w", j.Status, job.ErrInvalidState)
		}
	})
	if err != nil {
		return job.Job{}, err
	}

	m.logger.Info("Job processing",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return updated, nil
}

// UpdateProgress stores a progress value. Values outside [0,1] or below the
// stored value are rejected without mutating the record. A terminal job is a
// silent no-op because workers may race with a cancellation.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, progress float64) (job.Job, error) {
	return m.mutate(ctx, jobID, func(j *job.Job) error {
		if j.Status.IsTerminal() {
			return errNoWrite
		}
		if j.Status != job.StatusProcessing {
			return fmt.Errorf("cannot report progress on %s job: %w", j.Status, job.ErrInvalidState)
		}
		if progress < 0 || progress > 1 || progress < j.Progress {
			return fmt.Errorf("progress %v (stored %v): %w", progress, j.Progress, job.ErrInvalidProgress)
		}
		j.Progress = progress
		return nil
	})
}

// MarkCompleted transitions PROCESSING -> COMPLETED, forcing progress to 1.0
// and deriving processing_time_seconds
func (m *Manager) MarkCompleted(ctx context.Context, jobID string, outputFiles []job.OutputFile) (job.Job, error) {
	updated, err := m.mutate(ctx, jobID, func(j *job.Job) error {
		if j.Status != job.StatusProcessing {
			return fmt.Errorf("cannot complete %s job: %w", j.Status, job.ErrInvalidState)
		}
		j.Status = job.StatusCompleted
		j.Progress = 1.0
		j.OutputFiles = outputFiles
		j.ErrorMessage = ""
		m.finalize(j)
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(updated.JobType)).Inc()

	m.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("output_files", len(outputFiles)),
	)
	return updated, nil
}

// MarkFailed applies the failure policy: a retryable failure with retries
// left increments retry_count, resets progress and requeues the job to
// PENDING with exponential backoff; otherwise the job is permanently FAILED
// with the error message surfaced.
func (m *Manager) MarkFailed(ctx context.Context, jobID, errorMessage string, retryable bool) (job.Job, error) {
	var requeueDelay time.Duration
	requeued := false

	updated, err := m.mutate(ctx, jobID, func(j *job.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("cannot fail %s job: %w", j.Status, job.ErrInvalidState)
		}

		requeued = false
		if retryable {
			j.RetryCount++
			if j.RetryCount < m.cfg.MaxRetries {
				j.Status = job.StatusPending
				j.Progress = 0
				j.ErrorMessage = ""
				requeueDelay = m.backoffDelay(j.RetryCount)
				requeued = true
				return nil
			}
		}

		j.Status = job.StatusFailed
		j.ErrorMessage = errorMessage
		m.finalize(j)
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}

	if requeued {
		metrics.JobsRequeuedTotal.Inc()
		if err := m.enqueue(ctx, updated, requeueDelay); err != nil {
			m.logger.Warn("Retry enqueue failed, deferring to reconciler",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		m.logger.Info("Job requeued after retryable failure",
			slog.String("job_id", jobID),
			slog.Int("retry_count", updated.RetryCount),
			slog.Duration("delay", requeueDelay),
			slog.String("error", errorMessage),
		)
		return updated, nil
	}

	metrics.JobsFailedTotal.WithLabelValues(string(updated.JobType)).Inc()
	m.logger.Warn("Job failed",
		slog.String("job_id", jobID),
		slog.Int("retry_count", updated.RetryCount),
		slog.Bool("retryable", retryable),
		slog.String("error", errorMessage),
	)
	return updated, nil
}

func (m *Manager) backoffDelay(retryCount int) time.Duration {
	delay := m.cfg.RetryBaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= m.cfg.RetryMaxDelay {
			return m.cfg.RetryMaxDelay
		}
	}
	if delay > m.cfg.RetryMaxDelay {
		return m.cfg.RetryMaxDelay
	}
	return delay
}

// finalize stamps the terminal fields
func (m *Manager) finalize(j *job.Job) {
	t := m.now()
	j.CompletedAt = &t
	if j.StartedAt != nil {
		seconds := t.Sub(*j.StartedAt).Seconds()
		j.ProcessingTimeSeconds = &seconds
	}
}

// Cancel transitions PENDING or PROCESSING to CANCELLED on behalf of the
// owning user. The queued task is not interrupted; the worker's PROCESSING
// guard discards a late delivery and in-flight results.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) (job.Job, error) {
	updated, err := m.mutate(ctx, jobID, func(j *job.Job) error {
		if j.UserID != userID {
			return job.ErrAccessDenied
		}
		if !j.CanBeCancelled() {
			return fmt.Errorf("cannot cancel %s job: %w", j.Status, job.ErrInvalidState)
		}
		j.Status = job.StatusCancelled
		m.finalize(j)
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)
	return updated, nil
}

// Delete cancels a non-terminal job, releases its artifacts and removes the
// record. Artifact deletion is best-effort; a failed delete never blocks
// removing the record.
func (m *Manager) Delete(ctx context.Context, jobID, userID string) error {
	j, err := m.getOwned(ctx, jobID, userID)
	if err != nil {
		return err
	}

	if j.CanBeCancelled() {
		if j, err = m.Cancel(ctx, jobID, userID); err != nil {
			return fmt.Errorf("failed to cancel before delete: %w", err)
		}
	}

	for _, f := range j.OutputFiles {
		if err := m.artifacts.Delete(ctx, artifact.Key(jobID, f.Filename)); err != nil {
			m.logger.Warn("Failed to delete job artifact",
				slog.String("job_id", jobID),
				slog.String("filename", f.Filename),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := m.store.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	m.logger.Info("Job deleted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)
	return nil
}

// GetStatus returns the job for its owner
func (m *Manager) GetStatus(ctx context.Context, jobID, userID string) (job.Job, error) {
	return m.getOwned(ctx, jobID, userID)
}

// GetResult returns the job for its owner. A non-COMPLETED job is returned
// as-is, without output files, so callers can distinguish "not ready" from
// "not found".
func (m *Manager) GetResult(ctx context.Context, jobID, userID string) (job.Job, error) {
	return m.getOwned(ctx, jobID, userID)
}

// ListJobs returns summary projections of the user's jobs, newest first
func (m *Manager) ListJobs(ctx context.Context, userID string, limit, offset int) ([]job.Summary, error) {
	if limit <= 0 || limit > m.cfg.ListPageSize {
		limit = m.cfg.ListPageSize
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := m.store.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	summaries := make([]job.Summary, len(jobs))
	for i, j := range jobs {
		summaries[i] = j.Summarize()
	}
	return summaries, nil
}

func (m *Manager) getOwned(ctx context.Context, jobID, userID string) (job.Job, error) {
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.UserID != userID {
		return job.Job{}, job.ErrAccessDenied
	}
	return j, nil
}
