package inu

import (
	"errors"
	"fmt"
)

// Error kinds returned by the tag store, usage counter and storage
// backends. Command handlers translate these to user-facing replies, see
// [replyForError].
var (
	ErrNotFound           = errors.New("not found")
	ErrNameTaken          = errors.New("name taken")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalid            = errors.New("invalid")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrClamped            = errors.New("counter clamped at zero")

	// ErrConflict is returned by Backend.Put in PutCreate mode when the
	// key already exists.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyReplied is returned when a reply has already been
	// delivered for an invocation.
	ErrAlreadyReplied = errors.New("already replied")
)

// Process exit codes for the bootstrap binary
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitBackend    = 2
	ExitDispatcher = 3
)

// ValidationError describes an argument that failed validation. It
// matches ErrInvalid with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BackendError wraps an unexpected storage failure. The correlation ID is
// logged alongside the underlying error, so it can be used to find the
// details without exposing them to the user.
type BackendError struct {
	CorrelationID string
	Op            string
	Err           error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf(
		"backend %s failed (correlation_id=%s): %v",
		e.Op,
		e.CorrelationID,
		e.Err,
	)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendUnavailable, e.Err}
}

// ExitError associates an error with the process exit code it should
// produce.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// ExitCode returns the process exit code for the given error. Errors
// without an associated code exit with ExitConfig.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitConfig
}
