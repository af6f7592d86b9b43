package types

import (
	"fmt"
	"time"
)

// ValidationError reports a bad baseline, seed, prompt or zone geometry.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GenerationFailure reports a failed, timed out or malformed generator call.
// Transient failures consume one retry slot; the rest stop the run.
type GenerationFailure struct {
	Attempt    int
	Transient  bool
	StatusCode int
	Cause      error
}

func (e *GenerationFailure) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("attempt %d: %s generation failure (status %d): %v", e.Attempt, kind, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("attempt %d: %s generation failure: %v", e.Attempt, kind, e.Cause)
}

func (e *GenerationFailure) Unwrap() error { return e.Cause }

// ComparisonError reports a decode or crop failure while validating an attempt
type ComparisonError struct {
	Attempt int
	Stage   string
	Cause   error
}

func (e *ComparisonError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("attempt %d: comparison failed during %s: %v", e.Attempt, e.Stage, e.Cause)
	}
	return fmt.Sprintf("comparison failed during %s: %v", e.Stage, e.Cause)
}

func (e *ComparisonError) Unwrap() error { return e.Cause }

// QuotaExceeded reports that the backend refused the call because of rate or quota limits
type QuotaExceeded struct {
	Attempt    int
	RetryAfter time.Duration
	Cause      error
}

func (e *QuotaExceeded) Error() string {
	msg := fmt.Sprintf("attempt %d: generator quota exceeded", e.Attempt)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *QuotaExceeded) Unwrap() error { return e.Cause }
