package generator

import (
	"context"
	"encoding/json"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/job"
)

// Artifact is one generated model file, held in memory until the worker
// uploads it to artifact storage
type Artifact struct {
	Format   string
	Filename string
	Data     []byte
}

// ProgressFunc reports generation progress in [0,1] with an optional message
type ProgressFunc func(progress float64, message string)

// Generator is the external generation collaborator. Implementations must
// report progress through the callback and classify failures with
// job.NewRetryableError / job.NewTerminalError so the lifecycle manager can
// decide between requeue and permanent failure.
type Generator interface {
	Generate(ctx context.Context, jobType job.Type, input json.RawMessage, report ProgressFunc) ([]Artifact, error)
}

// Input is the shape of the opaque job payload the generators understand
type Input struct {
	Prompt         string   `json:"prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	OutputFormats  []string `json:"output_formats,omitempty"`
}

// ParseInput decodes a job payload, applying defaults
func ParseInput(raw json.RawMessage) (Input, error) {
	var in Input
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return Input{}, err
		}
	}
	if in.Quality == "" {
		in.Quality = "balanced"
	}
	if len(in.OutputFormats) == 0 {
		in.OutputFormats = []string{"glb"}
	}
	return in, nil
}
