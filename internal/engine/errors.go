package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/retry"
)

// RuntimeError represents an error detected while handling an observation.
//
// Runtime errors include:
//   - Malformed event: the observation can never be applied and is not retried
//   - Retries exhausted: every attempt of the retry schedule failed
//   - Store failure: a single attempt could not read or write the visit record
//   - Emit failure: a single attempt left at least one sink undelivered
//
// Store and emit failures are transient. Handle only returns them wrapped
// inside a retries-exhausted error.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EntityID identifies the affected entity.
	EntityID ir.EntityID

	// Kind is the observation kind being handled.
	Kind ir.Kind

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMalformedEvent indicates an observation that fails validation.
	ErrCodeMalformedEvent RuntimeErrorCode = "MALFORMED_EVENT"

	// ErrCodeRetriesExhausted indicates the retry schedule ran out.
	ErrCodeRetriesExhausted RuntimeErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodeStoreFailure indicates a visit or tombstone store call failed.
	ErrCodeStoreFailure RuntimeErrorCode = "STORE_FAILURE"

	// ErrCodeEmitFailure indicates one or more sinks rejected a visit.
	ErrCodeEmitFailure RuntimeErrorCode = "EMIT_FAILURE"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s (entity=%s, kind=%s)", msg, e.EntityID, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsMalformed returns true if err is a malformed-event error.
// Uses errors.As to handle wrapped errors.
func IsMalformed(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeMalformedEvent
	}
	return errors.Is(err, ir.ErrMalformed)
}

// IsExhausted returns true if err reports a spent retry schedule.
// Matches both RuntimeError with ErrCodeRetriesExhausted and retry.ExhaustedError.
func IsExhausted(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) && re.Code == ErrCodeRetriesExhausted {
		return true
	}
	return retry.IsExhausted(err)
}

// NewMalformedError creates a RuntimeError for an observation that fails validation.
func NewMalformedError(obs ir.Observation, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeMalformedEvent,
		Message:  "observation rejected",
		EntityID: obs.EntityID,
		Kind:     obs.Kind,
		Err:      cause,
	}
}

// NewExhaustedError creates a RuntimeError for a spent retry schedule.
func NewExhaustedError(obs ir.Observation, attempts int, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeRetriesExhausted,
		Message:  fmt.Sprintf("gave up after %d attempts", attempts),
		EntityID: obs.EntityID,
		Kind:     obs.Kind,
		Details: map[string]string{
			"attempts": fmt.Sprintf("%d", attempts),
		},
		Err: cause,
	}
}

// newStoreError wraps a failed store call made during one attempt.
func newStoreError(op string, id ir.EntityID, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeStoreFailure,
		Message:  op + " failed",
		EntityID: id,
		Details:  map[string]string{"op": op},
		Err:      cause,
	}
}

// newEmitError wraps the sink failures of one attempt.
func newEmitError(id ir.EntityID, delivered []string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeEmitFailure,
		Message:  fmt.Sprintf("visit delivered to %d sinks", len(delivered)),
		EntityID: id,
		Err:      cause,
	}
}
