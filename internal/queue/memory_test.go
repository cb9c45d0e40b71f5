package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

func TestMemory_EnqueueReceiveAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewMemory(time.Minute)

	err := q.Enqueue(ctx, Task{JobID: "j1", JobType: job.TypeTextTo3D}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", d.Task.JobID)
	assert.False(t, d.Task.EnqueuedAt.IsZero())

	require.NoError(t, d.Ack())
	assert.Equal(t, 0, q.Len())
}

func TestMemory_DelayedVisibility(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewMemory(time.Minute)

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "later"}, 150*time.Millisecond))
	require.NoError(t, q.Enqueue(ctx, Task{JobID: "now"}, 0))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", d.Task.JobID)
	require.NoError(t, d.Ack())

	// The delayed task arrives once its delay elapses
	d, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", d.Task.JobID)
	require.NoError(t, d.Ack())
}

func TestMemory_RedeliveryWithoutAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewMemory(100 * time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "j1"}, 0))

	first, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", first.Task.JobID)

	// Never acked: becomes visible again after the visibility timeout
	second, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", second.Task.JobID)
	require.NoError(t, second.Ack())
}

func TestMemory_ReceiveHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	q := NewMemory(time.Minute)

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
