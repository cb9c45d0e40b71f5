package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPollInterval = 500 * time.Millisecond

// Redis is an alternative transport backed by three keys per queue:
//
//	<name>:ready      list  - tasks visible to consumers now
//	<name>:delayed    zset  - score is the unix time the task becomes visible
//	<name>:processing zset  - score is the visibility deadline of a delivery
//
// Receive promotes due delayed tasks and reclaims expired processing entries
// before popping, so redelivery needs no separate janitor process.
type Redis struct {
	rdb     *redis.Client
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedis creates a Redis-backed task queue
func NewRedis(rdb *redis.Client, name string, visibilityTimeout time.Duration, logger *slog.Logger) *Redis {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &Redis{
		rdb:     rdb,
		name:    name,
		timeout: visibilityTimeout,
		logger:  logger,
	}
}

func (q *Redis) readyKey() string      { return q.name + ":ready" }
func (q *Redis) delayedKey() string    { return q.name + ":delayed" }
func (q *Redis) processingKey() string { return q.name + ":processing" }

func (q *Redis) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	task.EnqueuedAt = time.Now().UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if delay > 0 {
		visibleAt := time.Now().Add(delay).Unix()
		if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(visibleAt),
			Member: string(body),
		}).Err(); err != nil {
			return fmt.Errorf("failed to schedule delayed task: %w", err)
		}
	} else {
		if err := q.rdb.LPush(ctx, q.readyKey(), string(body)).Err(); err != nil {
			return fmt.Errorf("failed to push task: %w", err)
		}
	}

	q.logger.Debug("Task enqueued",
		slog.String("job_id", task.JobID),
		slog.Duration("delay", delay),
	)
	return nil
}

func (q *Redis) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := q.promote(ctx); err != nil {
			q.logger.Warn("Failed to promote scheduled tasks",
				slog.String("error", err.Error()),
			)
		}

		raw, err := q.rdb.BRPop(ctx, redisPollInterval, q.readyKey()).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to pop task: %w", err)
		}

		// BRPop returns [key, value]
		body := raw[1]

		var task Task
		if err := json.Unmarshal([]byte(body), &task); err != nil {
			q.logger.Error("Failed to parse task JSON, discarding",
				slog.String("error", err.Error()),
				slog.String("body", body),
			)
			continue
		}

		deadline := time.Now().Add(q.timeout).Unix()
		if err := q.rdb.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(deadline),
			Member: body,
		}).Err(); err != nil {
			// Could not track visibility; requeue so the task is not lost
			q.rdb.LPush(ctx, q.readyKey(), body)
			return nil, fmt.Errorf("failed to mark task processing: %w", err)
		}

		ackCtx := context.WithoutCancel(ctx)
		return &Delivery{
			Task: task,
			ack: func() error {
				return q.rdb.ZRem(ackCtx, q.processingKey(), body).Err()
			},
		}, nil
	}
}

// promote moves due delayed tasks and expired processing entries back into
// the ready list
func (q *Redis) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	for _, key := range []string{q.delayedKey(), q.processingKey()} {
		due, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: 100,
		}).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to fetch due tasks from %s: %w", key, err)
		}

		for _, member := range due {
			// Remove first so concurrent consumers cannot double-promote
			removed, err := q.rdb.ZRem(ctx, key, member).Result()
			if err != nil {
				return fmt.Errorf("failed to remove due task: %w", err)
			}
			if removed == 0 {
				continue
			}
			if err := q.rdb.LPush(ctx, q.readyKey(), member).Err(); err != nil {
				return fmt.Errorf("failed to promote task: %w", err)
			}
		}
	}
	return nil
}

func (q *Redis) Close() error {
	return q.rdb.Close()
}
