package common

import (
	"context"
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
)

// NewAppError builds an AppError with a stable machine-readable code.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Stage failure taxonomy. Executors classify every failure into exactly one
// of these; the retry policy keys off the classification.
var (
	// ErrTransientStage marks failures worth retrying: network timeouts,
	// temporary resource exhaustion, external service hiccups.
	ErrTransientStage = errors.New("transient stage failure")

	// ErrPermanentStage marks failures that no retry can fix: corrupt or
	// unsupported input, validation failures.
	ErrPermanentStage = errors.New("permanent stage failure")

	// ErrConcurrencyConflict marks a lost race on cache-key creation. It is
	// resolved by re-reading the winning row, never surfaced to callers.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvariantViolation marks a programming defect in orchestration
	// (e.g. a job succeeded with unmet dependencies). Fatal for the document.
	ErrInvariantViolation = errors.New("orchestration invariant violation")
)

// TransientStageError wraps err as retryable.
func TransientStageError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientStage, err)
}

// Transientf builds a retryable failure from a format string.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientStage, fmt.Sprintf(format, args...))
}

// PermanentStageError wraps err as non-retryable.
func PermanentStageError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentStage, err)
}

// Permanentf builds a non-retryable failure from a format string.
func Permanentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanentStage, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should be handed to the retry policy.
// Deadline expiry counts as transient: a stage that timed out may succeed
// on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentStage) {
		return false
	}
	if errors.Is(err, ErrTransientStage) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified errors default to transient so a sloppy executor cannot
	// burn a document on a single hiccup.
	return true
}

// IsPermanent reports whether err must abandon the job immediately.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanentStage)
}

// WrapError annotates err with message, passing nil through.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
