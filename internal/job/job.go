package job

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of 3D generation a job performs
type Type string

const (
	TypeImageTo3D Type = "IMAGE_TO_3D"
	TypeTextTo3D  Type = "TEXT_TO_3D"
)

// IsValid reports whether t is a known job type
func (t Type) IsValid() bool {
	return t == TypeImageTo3D || t == TypeTextTo3D
}

// Status is the lifecycle state of a job. Exactly one status holds at any
// time; COMPLETED, FAILED and CANCELLED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OutputFile describes one generated artifact
type OutputFile struct {
	Format    string `json:"format"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	Filename  string `json:"filename"`
}

// Job is the central entity tracked by the lifecycle manager. It has value
// semantics: mutations read the latest version, produce a new value and write
// it back conditionally, never mutate a shared reference.
type Job struct {
	JobID                 string          `json:"job_id" db:"job_id"`
	UserID                string          `json:"user_id" db:"user_id"`
	JobType               Type            `json:"job_type" db:"job_type"`
	Status                Status          `json:"status" db:"status"`
	Progress              float64         `json:"progress" db:"progress"`
	InputData             json.RawMessage `json:"input_data,omitempty" db:"input_data"`
	OutputFiles           []OutputFile    `json:"output_files,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty" db:"error_message"`
	RetryCount            int             `json:"retry_count" db:"retry_count"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
	StartedAt             *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	ProcessingTimeSeconds *float64        `json:"processing_time_seconds,omitempty" db:"processing_time_seconds"`

	// Version backs the store's compare-and-swap update. A write succeeds
	// only if the stored version matches the one this value was read at.
	Version int64 `json:"-" db:"version"`
}

// Clone returns a deep copy so callers can mutate without sharing slices
func (j Job) Clone() Job {
	c := j
	if j.InputData != nil {
		c.InputData = append(json.RawMessage(nil), j.InputData...)
	}
	if j.OutputFiles != nil {
		c.OutputFiles = append([]OutputFile(nil), j.OutputFiles...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ProcessingTimeSeconds != nil {
		s := *j.ProcessingTimeSeconds
		c.ProcessingTimeSeconds = &s
	}
	return c
}

// CanBeCancelled reports whether a cancel request is permitted
func (j Job) CanBeCancelled() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// Summary is the listing projection of a job: no input payload, no output
// files
type Summary struct {
	JobID     string    `json:"job_id"`
	JobType   Type      `json:"job_type"`
	Status    Status    `json:"status"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize builds the summary projection
func (j Job) Summarize() Summary {
	return Summary{
		JobID:     j.JobID,
		JobType:   j.JobType,
		Status:    j.Status,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}
