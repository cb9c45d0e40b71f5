package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryPollInterval = 50 * time.Millisecond

type memoryEntry struct {
	task      Task
	visibleAt time.Time
}

// Memory is the development transport: an in-process queue honoring the same
// at-least-once, delayed-visibility contract as the broker-backed transports.
// Unacked deliveries become visible again after the visibility timeout.
type Memory struct {
	mu       sync.Mutex
	pending  []memoryEntry
	inflight map[string]memoryEntry
	timeout  time.Duration
	closed   bool
}

// NewMemory creates an in-process queue with the given visibility timeout
func NewMemory(visibilityTimeout time.Duration) *Memory {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &Memory{
		inflight: make(map[string]memoryEntry),
		timeout:  visibilityTimeout,
	}
}

func (q *Memory) Enqueue(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.EnqueuedAt = time.Now().UTC()
	q.pending = append(q.pending, memoryEntry{
		task:      task,
		visibleAt: time.Now().Add(delay),
	})
	return nil
}

func (q *Memory) Receive(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	for {
		if d := q.tryReceive(); d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Memory) tryReceive() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	// Reclaim inflight tasks whose visibility window expired
	for token, entry := range q.inflight {
		if now.After(entry.visibleAt) {
			delete(q.inflight, token)
			q.pending = append(q.pending, memoryEntry{task: entry.task, visibleAt: now})
		}
	}

	for i, entry := range q.pending {
		if now.Before(entry.visibleAt) {
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)

		token := uuid.New().String()
		q.inflight[token] = memoryEntry{
			task:      entry.task,
			visibleAt: now.Add(q.timeout),
		}

		return &Delivery{
			Task: entry.task,
			ack: func() error {
				q.mu.Lock()
				defer q.mu.Unlock()
				delete(q.inflight, token)
				return nil
			},
		}
	}
	return nil
}

// Len reports queued plus inflight tasks
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
