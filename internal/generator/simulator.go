package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Simulator is the development generator: it produces small placeholder
// mesh files with staged progress instead of running the ML pipeline.
type Simulator struct {
	// StepDelay is the pause between progress stages; keep it zero in tests
	StepDelay time.Duration
}

// NewSimulator creates a simulator pausing stepDelay between stages
func NewSimulator(stepDelay time.Duration) *Simulator {
	return &Simulator{StepDelay: stepDelay}
}

var simulatorStages = []struct {
	progress float64
	message  string
}{
	{0.1, "loading model"},
	{0.35, "generating geometry"},
	{0.6, "generating texture"},
	{0.85, "exporting formats"},
}

func (s *Simulator) Generate(ctx context.Context, jobType job.Type, raw json.RawMessage, report ProgressFunc) ([]Artifact, error) {
	in, err := ParseInput(raw)
	if err != nil {
		return nil, job.NewTerminalError(fmt.Errorf("invalid input payload: %w", err))
	}

	switch jobType {
	case job.TypeTextTo3D:
		if in.Prompt == "" {
			return nil, job.NewTerminalError(fmt.Errorf("text-to-3d requires a prompt"))
		}
	case job.TypeImageTo3D:
		if in.ImageURL == "" {
			return nil, job.NewTerminalError(fmt.Errorf("image-to-3d requires an image_url"))
		}
	default:
		return nil, job.NewTerminalError(fmt.Errorf("unsupported job type: %s", jobType))
	}

	for _, stage := range simulatorStages {
		if err := s.wait(ctx); err != nil {
			return nil, job.NewRetryableError(err)
		}
		if report != nil {
			report(stage.progress, stage.message)
		}
	}

	artifacts := make([]Artifact, 0, len(in.OutputFormats))
	for _, format := range in.OutputFormats {
		data := placeholderMesh(jobType, in, format)
		artifacts = append(artifacts, Artifact{
			Format:   format,
			Filename: fmt.Sprintf("model.%s", format),
			Data:     data,
		})
	}
	return artifacts, nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.StepDelay):
		return nil
	}
}

// placeholderMesh emits a tiny OBJ-style document describing the request so
// downstream plumbing has real bytes to move around
func placeholderMesh(jobType job.Type, in Input, format string) []byte {
	source := in.Prompt
	if jobType == job.TypeImageTo3D {
		source = in.ImageURL
	}
	return []byte(fmt.Sprintf(
		"# simulated %s output\n# source: %s\n# quality: %s\n# format: %s\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n",
		jobType, source, in.Quality, format,
	))
}
