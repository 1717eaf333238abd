// Package apperr defines the error taxonomy shared by the stores, the session
// engine, and the service boundary. Callers branch with errors.Is against the
// sentinels below; everything else wraps one of them.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers malformed identifiers and empty required fields.
	// Empty message content is not a validation error.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateEmail is returned when registration hits the unique email
	// constraint.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrAuthentication is returned for an unknown email or a wrong password.
	// The two cases are deliberately indistinguishable to callers.
	ErrAuthentication = errors.New("invalid credentials")

	// ErrNotFound is returned when a user, thread, or checkpoint does not
	// exist. Absence is a typed outcome, never a panic or a bare rethrow.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when a checkpoint write observes a
	// version other than the one it loaded.
	ErrConcurrencyConflict = errors.New("checkpoint version conflict")

	// ErrCollaboratorTimeout marks an external model/retrieval call that hit
	// its deadline. Retryable by the caller with backoff.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")

	// ErrCollaboratorFailure marks any other external model/retrieval
	// failure. Retryable by the caller.
	ErrCollaboratorFailure = errors.New("collaborator call failed")

	// ErrStoreFailure marks a durable-write or connection failure. Fatal to
	// the current turn; never retried automatically.
	ErrStoreFailure = errors.New("store operation failed")
)

// Validation wraps ErrValidation with a field-specific reason.
func Validation(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}

// NotFound wraps ErrNotFound naming the missing entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, entity, id)
}

// Store wraps a low-level database error as an ErrStoreFailure.
func Store(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err)
}

// Retryable reports whether the caller may retry the turn that produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrCollaboratorTimeout) || errors.Is(err, ErrCollaboratorFailure)
}
