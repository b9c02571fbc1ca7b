package stepflow

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoLedger           = errors.New("stepflow: no ledger configured")
	ErrLedgerClosed       = errors.New("stepflow: ledger closed")
	ErrStorageUnavailable = errors.New("stepflow: storage unavailable")

	// Not found errors.
	ErrRunNotFound      = errors.New("stepflow: run not found")
	ErrStepNotFound     = errors.New("stepflow: step not found")
	ErrWorkflowNotFound = errors.New("stepflow: workflow not registered")

	// Conflict errors.
	ErrRunAlreadyExists = errors.New("stepflow: run already exists")
	ErrDuplicateStep    = errors.New("stepflow: duplicate step name")

	// State errors.
	ErrInvalidState = errors.New("stepflow: invalid state transition")
	ErrRunCancelled = errors.New("stepflow: run cancelled")
)

// StorageError wraps a backend failure so callers can match it against
// ErrStorageUnavailable while still unwrapping the driver cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "stepflow: storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports a match for ErrStorageUnavailable so that
// errors.Is(err, ErrStorageUnavailable) holds for any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// Unavailable wraps err as a StorageError for the given operation.
func Unavailable(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// ValidationError reports bad input. It is never retried: a step that
// returns one fails permanently on the first attempt.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "stepflow: validation: " + e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PermanentError marks its cause as not eligible for retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so retry policies give up immediately.
// A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable, either via
// Permanent or because it is a ValidationError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}
