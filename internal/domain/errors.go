package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner is returned when a finalize operation targets a row that is
	// not in the processing state under the caller's worker id.
	ErrNotOwner = errors.New("item not processing under this worker")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrScheduleTaken is returned when a due schedule was promoted by
	// another replica between fetch and promote.
	ErrScheduleTaken = errors.New("schedule already promoted")
)

// ErrorKind classifies a processing failure and drives the retry policy.
type ErrorKind int

const (
	// ErrorKindValidation marks input that can never be sent. No retry.
	ErrorKindValidation ErrorKind = iota
	// ErrorKindTransient marks failures worth retrying (timeouts, 4xx).
	ErrorKindTransient
	// ErrorKindPermanent marks failures that will not recover (5xx, auth).
	ErrorKindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindValidation:
		return "validation"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ProcessingError is a classified failure from a pipeline stage.
type ProcessingError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps err as a non-retryable validation failure.
func NewValidationError(step string, err error) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindValidation, Step: step, Err: err}
}

// NewTransientError wraps err as a retryable transport failure.
func NewTransientError(step string, err error) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindTransient, Step: step, Err: err}
}

// NewPermanentError wraps err as a non-retryable transport failure.
func NewPermanentError(step string, err error) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindPermanent, Step: step, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as transient so a flaky dependency does not burn an item permanently.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindTransient
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return KindOf(err) == ErrorKindValidation
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}

// IsPermanent reports whether err is a non-retryable transport failure.
func IsPermanent(err error) bool {
	return KindOf(err) == ErrorKindPermanent
}
