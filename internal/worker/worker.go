package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/generator"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/lifecycle"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
)

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Manager     *lifecycle.Manager
	Queue       queue.Queue
	Generator   generator.Generator
	Artifacts   artifact.Storage
	WorkerID    string
	Concurrency int
}

// Worker pulls tasks from the queue and drives them through generation.
// Every delivery is acknowledged exactly once regardless of outcome; retries
// are expressed through job state, never through broker redelivery.
type Worker struct {
	logger    *slog.Logger
	manager   *lifecycle.Manager
	queue     queue.Queue
	generator generator.Generator
	artifacts artifact.Storage

	workerID    string
	concurrency int

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:      cfg.Logger,
		manager:     cfg.Manager,
		queue:       cfg.Queue,
		generator:   cfg.Generator,
		artifacts:   cfg.Artifacts,
		workerID:    cfg.WorkerID,
		concurrency: concurrency,
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker pool and blocks until the context is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	w.spawnWorkerPool(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		default:
		}

		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			w.logger.Error("Failed to receive task",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if delivery == nil {
			continue
		}

		w.logger.Info("Worker received task",
			slog.String("worker_name", workerName),
			slog.String("job_id", delivery.Task.JobID),
		)

		w.processDelivery(ctx, workerName, delivery)
	}
}

// processDelivery runs one task and always acknowledges the delivery. A
// failed job is requeued as a fresh task by the lifecycle manager, so the
// original delivery must never bounce back through the broker.
func (w *Worker) processDelivery(ctx context.Context, workerName string, delivery *queue.Delivery) {
	defer func() {
		if err := delivery.Ack(); err != nil {
			w.logger.Error("Failed to ACK delivery",
				slog.String("worker_name", workerName),
				slog.String("job_id", delivery.Task.JobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	w.processTask(ctx, workerName, delivery.Task)
}
