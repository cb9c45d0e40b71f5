package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Task is the payload dispatched to workers. It is ephemeral: not persisted
// beyond the queue transport.
type Task struct {
	JobID      string          `json:"job_id"`
	JobType    job.Type        `json:"job_type"`
	InputData  json.RawMessage `json:"input_data,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is one received task plus its acknowledgment. A delivery that is
// never acked becomes visible again after the transport's visibility timeout
// and is redelivered; consumers must be idempotent with respect to job_id.
type Delivery struct {
	Task Task
	ack  func() error
}

// Ack marks the task done. Safe to call once; the worker always acks because
// retry is modeled at the job-state level, not via queue redelivery.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue is an at-least-once transport for task payloads. No ordering is
// guaranteed across tasks. Three backends satisfy the contract: RabbitMQ,
// Redis and an in-process queue for development; the lifecycle manager and
// worker loop never special-case the backend.
type Queue interface {
	// Enqueue schedules a task; delay > 0 defers its first visibility
	Enqueue(ctx context.Context, task Task, delay time.Duration) error

	// Receive blocks until a task is available or ctx is done
	Receive(ctx context.Context) (*Delivery, error)

	Close() error
}
