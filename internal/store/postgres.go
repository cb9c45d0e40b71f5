package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Postgres is the production backend. Updates are conditioned on the version
// column so a worker callback and an API cancel cannot silently clobber each
// other.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a Postgres-backed store over an existing connection
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// jobRow maps the jobs table. Output files are stored as a JSONB document.
type jobRow struct {
	JobID                 string          `db:"job_id"`
	UserID                string          `db:"user_id"`
	JobType               string          `db:"job_type"`
	Status                string          `db:"status"`
	Progress              float64         `db:"progress"`
	InputData             []byte          `db:"input_data"`
	OutputFiles           []byte          `db:"output_files"`
	ErrorMessage          sql.NullString  `db:"error_message"`
	RetryCount            int             `db:"retry_count"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
	StartedAt             sql.NullTime    `db:"started_at"`
	CompletedAt           sql.NullTime    `db:"completed_at"`
	ProcessingTimeSeconds sql.NullFloat64 `db:"processing_time_seconds"`
	Version               int64           `db:"version"`
}

func toRow(j job.Job) (jobRow, error) {
	r := jobRow{
		JobID:      j.JobID,
		UserID:     j.UserID,
		JobType:    string(j.JobType),
		Status:     string(j.Status),
		Progress:   j.Progress,
		InputData:  j.InputData,
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		Version:    j.Version,
	}
	if len(j.OutputFiles) > 0 {
		data, err := json.Marshal(j.OutputFiles)
		if err != nil {
			return jobRow{}, fmt.Errorf("failed to marshal output files: %w", err)
		}
		r.OutputFiles = data
	}
	if j.ErrorMessage != "" {
		r.ErrorMessage = sql.NullString{String: j.ErrorMessage, Valid: true}
	}
	if j.StartedAt != nil {
		r.StartedAt = sql.NullTime{Time: *j.StartedAt, Valid: true}
	}
	if j.CompletedAt != nil {
		r.CompletedAt = sql.NullTime{Time: *j.CompletedAt, Valid: true}
	}
	if j.ProcessingTimeSeconds != nil {
		r.ProcessingTimeSeconds = sql.NullFloat64{Float64: *j.ProcessingTimeSeconds, Valid: true}
	}
	return r, nil
}

func (r jobRow) toJob() (job.Job, error) {
	j := job.Job{
		JobID:      r.JobID,
		UserID:     r.UserID,
		JobType:    job.Type(r.JobType),
		Status:     job.Status(r.Status),
		Progress:   r.Progress,
		InputData:  r.InputData,
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Version:    r.Version,
	}
	if len(r.OutputFiles) > 0 {
		if err := json.Unmarshal(r.OutputFiles, &j.OutputFiles); err != nil {
			return job.Job{}, fmt.Errorf("failed to unmarshal output files: %w", err)
		}
	}
	if r.ErrorMessage.Valid {
		j.ErrorMessage = r.ErrorMessage.String
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if r.ProcessingTimeSeconds.Valid {
		s := r.ProcessingTimeSeconds.Float64
		j.ProcessingTimeSeconds = &s
	}
	return j, nil
}

const jobColumns = `
	job_id, user_id, job_type, status, progress,
	input_data, output_files, error_message, retry_count,
	created_at, updated_at, started_at, completed_at,
	processing_time_seconds, version
`

func (s *Postgres) Create(ctx context.Context, j job.Job) (job.Job, error) {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 1

	r, err := toRow(j)
	if err != nil {
		return job.Job{}, err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:job_id, :user_id, :job_type, :status, :progress,
			:input_data, :output_files, :error_message, :retry_count,
			:created_at, :updated_at, :started_at, :completed_at,
			:processing_time_seconds, :version
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return job.Job{}, job.ErrJobExists
		}
		return job.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	return j, nil
}

func (s *Postgres) Get(ctx context.Context, jobID string) (job.Job, error) {
	var r jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &r, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return r.toJob()
}

func (s *Postgres) Update(ctx context.Context, j job.Job) (job.Job, error) {
	readVersion := j.Version
	j.UpdatedAt = time.Now().UTC()
	j.Version++

	r, err := toRow(j)
	if err != nil {
		return job.Job{}, err
	}

	query := `
		UPDATE jobs SET
			status = $1,
			progress = $2,
			output_files = $3,
			error_message = $4,
			retry_count = $5,
			updated_at = $6,
			started_at = $7,
			completed_at = $8,
			processing_time_seconds = $9,
			version = $10
		WHERE job_id = $11
		  AND version = $12
	`

	res, err := s.db.ExecContext(ctx, query,
		r.Status,
		r.Progress,
		r.OutputFiles,
		r.ErrorMessage,
		r.RetryCount,
		r.UpdatedAt,
		r.StartedAt,
		r.CompletedAt,
		r.ProcessingTimeSeconds,
		r.Version,
		r.JobID,
		readVersion,
	)
	if err != nil {
		return job.Job{}, fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost race from a missing record
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, j.JobID); err != nil {
			return job.Job{}, fmt.Errorf("failed to check job existence: %w", err)
		}
		if !exists {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, job.ErrConflict
	}

	return j, nil
}

func (s *Postgres) Delete(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Postgres) ListByUser(ctx context.Context, userID string, limit, offset int) ([]job.Job, error) {
	var rows []jobRow
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, job_id DESC
		LIMIT $2 OFFSET $3
	`

	if err := s.db.SelectContext(ctx, &rows, query, userID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list jobs by user: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *Postgres) ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	var rows []jobRow
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	if err := s.db.SelectContext(ctx, &rows, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *Postgres) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3)
		  AND created_at < $4
	`

	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusCompleted),
		string(job.StatusFailed),
		string(job.StatusCancelled),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

func rowsToJobs(rows []jobRow) ([]job.Job, error) {
	jobs := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
