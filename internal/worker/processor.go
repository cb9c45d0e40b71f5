package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/generator"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/metrics"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
)

// progressEvent is one progress report flowing from a generator callback to
// the goroutine that persists it
type progressEvent struct {
	progress float64
	message  string
}

// contentTypes maps known output formats to their MIME types
var contentTypes = map[string]string{
	"glb":  "model/gltf-binary",
	"gltf": "model/gltf+json",
	"obj":  "model/obj",
	"ply":  "application/octet-stream",
	"stl":  "model/stl",
}

func contentTypeFor(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// processTask drives one task through the job state machine: claim, generate
// with live progress, upload outputs, finalize. Failures are classified as
// retryable or terminal and handed to the lifecycle manager, which owns the
// requeue decision.
func (w *Worker) processTask(ctx context.Context, workerName string, task queue.Task) {
	j, err := w.manager.MarkProcessing(ctx, task.JobID, workerName)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidState):
			// Late delivery for a cancelled or finished job
			w.logger.Info("Skipping task for job no longer runnable",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
			)
		case errors.Is(err, job.ErrJobNotFound):
			w.logger.Warn("Skipping task for unknown job",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
			)
		default:
			// The job stays PENDING and the reconciler resubmits it
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.String("job_id", task.JobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	metrics.JobsProcessing.Inc()
	defer metrics.JobsProcessing.Dec()
	start := time.Now()

	outcome := w.runGeneration(ctx, workerName, j)

	metrics.ProcessingDurationSeconds.
		WithLabelValues(string(j.JobType), outcome).
		Observe(time.Since(start).Seconds())
}

// runGeneration executes the generator and finalizes the job, returning the
// outcome label for metrics
func (w *Worker) runGeneration(ctx context.Context, workerName string, j job.Job) string {
	events := make(chan progressEvent, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if _, err := w.manager.UpdateProgress(ctx, j.JobID, ev.progress); err != nil {
				w.logger.Debug("Progress update rejected",
					slog.String("job_id", j.JobID),
					slog.Float64("progress", ev.progress),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.logger.Debug("Progress updated",
				slog.String("job_id", j.JobID),
				slog.Float64("progress", ev.progress),
				slog.String("message", ev.message),
			)
		}
	}()

	report := func(progress float64, message string) {
		select {
		case events <- progressEvent{progress: progress, message: message}:
		case <-ctx.Done():
		}
	}

	artifacts, genErr := w.generator.Generate(ctx, j.JobType, j.InputData, report)
	close(events)
	<-drained

	if genErr != nil {
		return w.failJob(ctx, workerName, j, genErr)
	}

	outputFiles, uploadErr := w.uploadArtifacts(ctx, j.JobID, artifacts)
	if uploadErr != nil {
		w.deleteArtifacts(ctx, j.JobID, outputFiles)
		return w.failJob(ctx, workerName, j, job.NewRetryableError(uploadErr))
	}

	if _, err := w.manager.MarkCompleted(ctx, j.JobID, outputFiles); err != nil {
		if errors.Is(err, job.ErrInvalidState) {
			// Cancelled while generating: discard the result
			w.logger.Info("Job finished after cancellation, discarding result",
				slog.String("worker_name", workerName),
				slog.String("job_id", j.JobID),
			)
			w.deleteArtifacts(ctx, j.JobID, outputFiles)
			return "cancelled"
		}
		w.logger.Error("Failed to complete job",
			slog.String("worker_name", workerName),
			slog.String("job_id", j.JobID),
			slog.String("error", err.Error()),
		)
		return "error"
	}

	return "completed"
}

func (w *Worker) failJob(ctx context.Context, workerName string, j job.Job, genErr error) string {
	retryable := job.IsRetryable(genErr)
	updated, err := w.manager.MarkFailed(ctx, j.JobID, genErr.Error(), retryable)
	if err != nil {
		if errors.Is(err, job.ErrInvalidState) {
			// Cancelled while generating
			return "cancelled"
		}
		w.logger.Error("Failed to record job failure",
			slog.String("worker_name", workerName),
			slog.String("job_id", j.JobID),
			slog.String("error", err.Error()),
		)
		return "error"
	}
	if updated.Status == job.StatusPending {
		return "requeued"
	}
	return "failed"
}

// uploadArtifacts writes each generated file to artifact storage under the
// job's key prefix. On error the successfully uploaded files so far are
// returned so the caller can release them.
func (w *Worker) uploadArtifacts(ctx context.Context, jobID string, artifacts []generator.Artifact) ([]job.OutputFile, error) {
	outputFiles := make([]job.OutputFile, 0, len(artifacts))
	for _, a := range artifacts {
		url, err := w.artifacts.Upload(ctx, artifact.Key(jobID, a.Filename), bytes.NewReader(a.Data), contentTypeFor(a.Format))
		if err != nil {
			return outputFiles, fmt.Errorf("failed to upload %s: %w", a.Filename, err)
		}
		outputFiles = append(outputFiles, job.OutputFile{
			Format:    a.Format,
			URL:       url,
			SizeBytes: int64(len(a.Data)),
			Filename:  a.Filename,
		})
	}
	return outputFiles, nil
}

func (w *Worker) deleteArtifacts(ctx context.Context, jobID string, files []job.OutputFile) {
	for _, f := range files {
		if err := w.artifacts.Delete(ctx, artifact.Key(jobID, f.Filename)); err != nil {
			w.logger.Warn("Failed to delete orphaned artifact",
				slog.String("job_id", jobID),
				slog.String("filename", f.Filename),
				slog.String("error", err.Error()),
			)
		}
	}
}
