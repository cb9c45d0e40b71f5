package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/metrics"
)

// ReconcilerConfig holds the periodic repair policy
type ReconcilerConfig struct {
	// Interval between reconciliation sweeps
	Interval time.Duration

	// PendingGrace is how long a PENDING job may sit untouched before it is
	// assumed to have missed its enqueue and is resubmitted
	PendingGrace time.Duration

	// JobTimeout is how long a PROCESSING job may go without a progress
	// update before it is treated as abandoned by a dead worker
	JobTimeout time.Duration

	// Retention is how long terminal jobs are kept before cleanup
	Retention time.Duration

	// BatchSize caps how many jobs one sweep inspects per status
	BatchSize int
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 5 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Reconciler repairs jobs the normal flow lost track of: PENDING jobs whose
// enqueue never landed, PROCESSING jobs abandoned by a dead worker, and
// terminal jobs past retention. Re-enqueueing may duplicate a task that is
// still in flight; delivery is at-least-once and the PROCESSING guard makes
// duplicates harmless.
type Reconciler struct {
	mgr    *Manager
	logger *slog.Logger
	cfg    ReconcilerConfig
}

// NewReconciler builds a reconciler over the manager's store and queue
func NewReconciler(mgr *Manager, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		mgr:    mgr,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Run sweeps on the configured interval until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("pending_grace", r.cfg.PendingGrace),
		slog.Duration("job_timeout", r.cfg.JobTimeout),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.requeueOrphanedPending(ctx)
	r.failStalledProcessing(ctx)
	r.cleanupExpired(ctx)
}

func (r *Reconciler) requeueOrphanedPending(ctx context.Context) {
	jobs, err := r.mgr.store.ListByStatus(ctx, job.StatusPending, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list pending jobs", slog.String("error", err.Error()))
		return
	}

	cutoff := r.mgr.now().Add(-r.cfg.PendingGrace)
	for _, j := range jobs {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.mgr.enqueue(ctx, j, 0); err != nil {
			r.logger.Error("Failed to re-enqueue orphaned job",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.JobsReconciledTotal.WithLabelValues("orphaned_pending").Inc()
		r.logger.Warn("Re-enqueued orphaned pending job",
			slog.String("job_id", j.JobID),
			slog.Time("updated_at", j.UpdatedAt),
		)
	}
}

func (r *Reconciler) failStalledProcessing(ctx context.Context) {
	jobs, err := r.mgr.store.ListByStatus(ctx, job.StatusProcessing, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Failed to list processing jobs", slog.String("error", err.Error()))
		return
	}

	cutoff := r.mgr.now().Add(-r.cfg.JobTimeout)
	for _, j := range jobs {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		// Routed through the retry policy: the job gets another attempt
		// unless its retries are exhausted
		if _, err := r.mgr.MarkFailed(ctx, j.JobID, "processing stalled: no progress update within timeout", true); err != nil {
			r.logger.Error("Failed to fail stalled job",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.JobsReconciledTotal.WithLabelValues("stalled_processing").Inc()
		r.logger.Warn("Recovered stalled processing job",
			slog.String("job_id", j.JobID),
			slog.Time("updated_at", j.UpdatedAt),
		)
	}
}

func (r *Reconciler) cleanupExpired(ctx context.Context) {
	before := r.mgr.now().Add(-r.cfg.Retention)
	removed, err := r.mgr.store.CleanupExpired(ctx, before)
	if err != nil {
		r.logger.Error("Failed to clean up expired jobs", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		r.logger.Info("Cleaned up expired jobs", slog.Int("removed", removed))
	}
}
