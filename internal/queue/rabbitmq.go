package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Seiryu1996/3d-model-generate-ai/shared/rabbitmq"
)

// RabbitMQ is the managed transport. Delayed visibility uses a wait queue
// with per-message TTL dead-lettering back into the work queue; visibility
// timeout is the broker's redelivery of unacked messages on channel loss.
type RabbitMQ struct {
	client *rabbitmq.Client
	logger *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	consumer   string
}

// NewRabbitMQ wraps an established RabbitMQ client as a task queue
func NewRabbitMQ(client *rabbitmq.Client, consumerTag string, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{
		client:   client,
		logger:   logger,
		consumer: consumerTag,
	}
}

func (q *RabbitMQ) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	task.EnqueuedAt = time.Now().UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if delay > 0 {
		if err := q.client.PublishDelayed(ctx, body, "application/json", delay); err != nil {
			return fmt.Errorf("failed to publish delayed task: %w", err)
		}
	} else {
		if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
			return fmt.Errorf("failed to publish task: %w", err)
		}
	}

	q.logger.Debug("Task enqueued",
		slog.String("job_id", task.JobID),
		slog.Duration("delay", delay),
	)
	return nil
}

func (q *RabbitMQ) Receive(ctx context.Context) (*Delivery, error) {
	deliveries, err := q.channel()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("rabbitmq delivery channel closed")
			}

			var task Task
			if err := json.Unmarshal(delivery.Body, &task); err != nil {
				q.logger.Error("Failed to parse task JSON, discarding",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed payloads go to the DLQ rather than looping
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					q.logger.Error("Failed to NACK malformed task",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			return &Delivery{
				Task: task,
				ack: func() error {
					return delivery.Ack(false)
				},
			}, nil
		}
	}
}

func (q *RabbitMQ) channel() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, nil
	}

	deliveries, err := q.client.Consume(q.consumer)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *RabbitMQ) Close() error {
	return q.client.Close()
}
