package models

import "time"

// Outcome is the result of one delivery attempt, matching the Repository
// contract's result type: exactly one of Succeeded or Failed holds,
// discriminated by Failure.
type Outcome struct {
	Succeeded bool
	Failure   *Failure
}

// Failure describes an unsuccessful delivery attempt.
type Failure struct {
	// IsCanceled, when true, abandons the command regardless of RetryAfter.
	IsCanceled bool

	// NumberOfPreviousAttempts is informational — the attempts count kept by
	// the store is authoritative.
	NumberOfPreviousAttempts int

	// RetryAfter is the repository-suggested backoff before redelivery.
	// A nil value means "abandon", not "retry immediately".
	RetryAfter *time.Duration

	// Exception is the serialized failure description appended to the
	// CommandExecutionError log.
	Exception string
}

// IsRetryable reports whether this failure should reschedule the command
// rather than abandon it.
func (f *Failure) IsRetryable() bool {
	return f != nil && !f.IsCanceled && f.RetryAfter != nil
}

// Succeeded builds a successful Outcome.
func Succeeded() Outcome {
	return Outcome{Succeeded: true}
}

// Failed builds a failed Outcome.
func Failed(f Failure) Outcome {
	return Outcome{Succeeded: false, Failure: &f}
}
