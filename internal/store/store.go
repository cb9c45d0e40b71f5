package store

import (
	"context"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Store is durable keyed storage for job records. It carries no business
// logic and no concurrency control beyond the version check on Update; the
// lifecycle manager owns read-modify-write races.
//
// Two backends satisfy the contract with identical behavior: an in-memory
// map for development and PostgreSQL for production. The backend is selected
// by configuration at process start.
type Store interface {
	// Create persists a new record, stamping created_at/updated_at and the
	// initial version. Fails with job.ErrJobExists if the id is present.
	Create(ctx context.Context, j job.Job) (job.Job, error)

	// Get returns the record or job.ErrJobNotFound
	Get(ctx context.Context, jobID string) (job.Job, error)

	// Update replaces the full record if and only if the stored version
	// matches j.Version; it stamps updated_at and increments the version.
	// Fails with job.ErrJobNotFound if absent and job.ErrConflict if the
	// record changed since it was read. No upsert.
	Update(ctx context.Context, j job.Job) (job.Job, error)

	// Delete removes the record; idempotent, false if absent
	Delete(ctx context.Context, jobID string) (bool, error)

	// ListByUser returns the user's jobs newest first by created_at
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]job.Job, error)

	// ListByStatus returns up to limit jobs in the given status, oldest
	// updated first, for the reconciliation sweeps
	ListByStatus(ctx context.Context, status job.Status, limit int) ([]job.Job, error)

	// CleanupExpired deletes terminal-status jobs created before the cutoff
	// and returns how many were removed
	CleanupExpired(ctx context.Context, before time.Time) (int, error)
}
