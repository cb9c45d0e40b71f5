package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestType_IsValid(t *testing.T) {
	assert.True(t, TypeImageTo3D.IsValid())
	assert.True(t, TypeTextTo3D.IsValid())
	assert.False(t, Type("AUDIO_TO_3D").IsValid())
	assert.False(t, Type("").IsValid())
}

func TestJob_CanBeCancelled(t *testing.T) {
	assert.True(t, Job{Status: StatusPending}.CanBeCancelled())
	assert.True(t, Job{Status: StatusProcessing}.CanBeCancelled())
	assert.False(t, Job{Status: StatusCompleted}.CanBeCancelled())
	assert.False(t, Job{Status: StatusFailed}.CanBeCancelled())
	assert.False(t, Job{Status: StatusCancelled}.CanBeCancelled())
}

func TestJob_Clone(t *testing.T) {
	started := time.Now().UTC()
	seconds := 12.5
	original := Job{
		JobID:                 "j1",
		InputData:             []byte(`{"prompt":"chair"}`),
		OutputFiles:           []OutputFile{{Format: "glb", Filename: "model.glb"}},
		StartedAt:             &started,
		ProcessingTimeSeconds: &seconds,
	}

	clone := original.Clone()
	clone.InputData[0] = 'X'
	clone.OutputFiles[0].Filename = "other.glb"
	*clone.StartedAt = clone.StartedAt.Add(time.Hour)
	*clone.ProcessingTimeSeconds = 99

	assert.Equal(t, byte('{'), original.InputData[0])
	assert.Equal(t, "model.glb", original.OutputFiles[0].Filename)
	assert.Equal(t, started, *original.StartedAt)
	assert.Equal(t, 12.5, *original.ProcessingTimeSeconds)
}

func TestJob_Summarize(t *testing.T) {
	j := Job{
		JobID:       "j1",
		UserID:      "u1",
		JobType:     TypeTextTo3D,
		Status:      StatusProcessing,
		Progress:    0.4,
		InputData:   []byte(`{"prompt":"chair"}`),
		OutputFiles: []OutputFile{{Format: "glb"}},
	}

	s := j.Summarize()
	assert.Equal(t, "j1", s.JobID)
	assert.Equal(t, TypeTextTo3D, s.JobType)
	assert.Equal(t, StatusProcessing, s.Status)
	assert.Equal(t, 0.4, s.Progress)
}

func TestProcessingError(t *testing.T) {
	base := errors.New("gpu went away")

	retryable := NewRetryableError(base)
	terminal := NewTerminalError(base)

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(terminal))
	assert.ErrorIs(t, retryable, base)
	assert.ErrorIs(t, terminal, base)

	var pe *ProcessingError
	require.ErrorAs(t, retryable, &pe)
	assert.True(t, pe.Retryable)
	assert.Contains(t, retryable.Error(), "retryable processing error")
	assert.Contains(t, terminal.Error(), "terminal processing error")
}

func TestIsRetryable_UnclassifiedDefaultsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("connection reset")))
}
