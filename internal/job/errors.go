package job

import "errors"

var (
	// ErrJobNotFound is returned when a job id is unknown to the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is already present
	ErrJobExists = errors.New("job already exists")

	// ErrAccessDenied is returned when the caller does not own the job
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidState is returned when a transition is attempted from a
	// state that does not permit it
	ErrInvalidState = errors.New("invalid job state for transition")

	// ErrInvalidProgress is returned when a progress value is out of range
	// or regresses; the stored record is left unchanged
	ErrInvalidProgress = errors.New("invalid progress value")

	// ErrConflict is returned when an optimistic-concurrency write lost a
	// race; the caller retries the read-validate-write cycle
	ErrConflict = errors.New("concurrent update conflict")
)

// ProcessingError classifies a generation failure as retryable or terminal.
// Only retryable failures increment the retry count and requeue the job.
type ProcessingError struct {
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	if e.Retryable {
		return "retryable processing error: " + e.Err.Error()
	}
	return "terminal processing error: " + e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps a transient failure (network, transient pipeline
// error) that should trigger a requeue
func NewRetryableError(err error) error {
	return &ProcessingError{Err: err, Retryable: true}
}

// NewTerminalError wraps a permanent failure (validation, unsupported input)
// that must surface as FAILED immediately
func NewTerminalError(err error) error {
	return &ProcessingError{Err: err, Retryable: false}
}

// IsRetryable reports whether err is classified as retryable. Unclassified
// errors default to retryable so unknown infrastructure failures get the
// bounded retry budget rather than failing the job outright.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
