/*
errors.go - Centralized error types for the reaction ledger

ERROR CATEGORIES:
  1. Request errors - malformed or unauthenticated requests
  2. Store errors - unknown or already-registered subjects
  3. Informational - DuplicateSuppressed, returned with a valid Aggregate

USAGE:
  agg, err := ledger.SubmitReaction(ctx, req)
  switch {
  case err == nil, reaction.IsInformational(err):
      render(agg)
  case reaction.IsClientError(err):
      // "vote not recorded" - fix the request
  default:
      // store failure - safe to retry with the same token
  }
*/
package reaction

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidReaction is returned when the requested reaction is not up/down.
	ErrInvalidReaction = errors.New("invalid reaction")

	// ErrUnknownSubject is returned when the subject does not exist and the
	// store is not configured to create it lazily.
	ErrUnknownSubject = errors.New("unknown subject")

	// ErrVoterUnauthenticated is returned when the request carries no voter.
	ErrVoterUnauthenticated = errors.New("voter unauthenticated")

	// ErrDuplicateSuppressed is informational: a retry was recognized and the
	// originally computed Aggregate is returned alongside it.
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")

	// ErrMissingIdempotencyToken is returned when the caller sends no token.
	ErrMissingIdempotencyToken = errors.New("missing idempotency token")

	// ErrIdempotencyMismatch is returned when a token already used for one
	// (subject, reaction) is reused for a different one.
	ErrIdempotencyMismatch = errors.New("idempotency token reused for a different request")

	// ErrMissingSubject is returned when the request has no subject id.
	ErrMissingSubject = errors.New("missing subject id")

	// ErrSubjectExists is returned by CreateSubject for a registered id.
	ErrSubjectExists = errors.New("subject already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownSubjectError names the missing subject.
type UnknownSubjectError struct {
	SubjectID SubjectID
}

func (e *UnknownSubjectError) Error() string {
	return fmt.Sprintf("unknown subject: %s", e.SubjectID)
}

func (e *UnknownSubjectError) Unwrap() error {
	return ErrUnknownSubject
}

// InvalidReactionError carries the offending value.
type InvalidReactionError struct {
	Value string
}

func (e *InvalidReactionError) Error() string {
	return fmt.Sprintf("invalid reaction: %q (want %q or %q)", e.Value, StateUp, StateDown)
}

func (e *InvalidReactionError) Unwrap() error {
	return ErrInvalidReaction
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInformational returns true for errors that accompany a valid result.
func IsInformational(err error) bool {
	return errors.Is(err, ErrDuplicateSuppressed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidReaction) ||
		errors.Is(err, ErrVoterUnauthenticated) ||
		errors.Is(err, ErrMissingIdempotencyToken) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrMissingSubject) ||
		errors.Is(err, ErrSubjectExists)
}

// IsNotFound returns true if the error indicates a missing subject.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownSubject)
}
