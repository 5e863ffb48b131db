// Package errs holds the error taxonomy shared by the pipeline and its adapters.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network, timeout and rate-limit failures of an external
	// collaborator. The affected attachment stays non-terminal and is retried.
	ErrTransient = errors.New("transient adapter error")

	// ErrUploadConflict is returned by an uploader when the remote path already
	// holds different content.
	ErrUploadConflict = errors.New("upload conflict")

	// ErrFatalConfig halts a run before any record is touched.
	ErrFatalConfig = errors.New("fatal configuration error")

	// ErrRunInProgress is returned when a run is requested while another holds the run lock.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
)

// TransientError wraps the cause of a retryable adapter failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is reports true for ErrTransient so callers can use errors.Is.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a retryable failure of operation op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Conflict builds an ErrUploadConflict for the given remote path.
func Conflict(path string) error {
	return fmt.Errorf("%w: %s already exists with different content", ErrUploadConflict, path)
}

// FatalConfig builds an ErrFatalConfig with a formatted detail message.
func FatalConfig(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatalConfig, fmt.Sprintf(format, args...))
}

// Fatal marks err, reported by operation op, as a configuration problem no
// retry can fix, such as rejected credentials or a missing bucket. The cause
// stays reachable through errors.As.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrFatalConfig, op, err)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsConflict(err error) bool { return errors.Is(err, ErrUploadConflict) }

func IsFatalConfig(err error) bool { return errors.Is(err, ErrFatalConfig) }
