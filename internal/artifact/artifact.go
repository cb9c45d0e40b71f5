package artifact

import (
	"context"
	"io"
	"path"
)

// Key returns the canonical storage key for a job's output file. Both the
// worker (on upload) and the lifecycle manager (on delete) derive keys
// through this so the two sides never drift.
func Key(jobID, filename string) string {
	return path.Join("jobs", jobID, filename)
}

// Storage is the artifact storage collaborator. The worker writes each
// generated file exactly once; deletions are only ever issued by the
// lifecycle manager on job deletion.
type Storage interface {
	// Upload stores the content under key and returns a retrievable URL
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error)

	// Delete removes the object; missing keys are not an error
	Delete(ctx context.Context, key string) error
}
