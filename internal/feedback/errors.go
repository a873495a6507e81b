package feedback

import "errors"

// Error taxonomy. Every error returned by pipeline components wraps exactly
// one of the first four classes so callers can decide between rejecting,
// requeueing, halting, or marking failed with errors.Is.
var (
	// ErrValidation marks malformed input. Not retryable.
	ErrValidation = errors.New("validation error")

	// ErrRecoverable marks transient faults (model call failures, queue
	// hiccups). The work item should be requeued or marked pending.
	ErrRecoverable = errors.New("recoverable error")

	// ErrConsistency marks an internal invariant violation. The affected
	// operation halts rather than papering over corrupted state.
	ErrConsistency = errors.New("consistency error")

	// ErrRetryExhausted marks a task that burned through its review retry
	// budget and has been marked failed.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// Lookup and state errors.
var (
	ErrSignalNotFound = errors.New("signal not found")
	ErrTopicNotFound  = errors.New("topic not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrFixNotFound    = errors.New("fix record not found")

	// ErrDuplicateSignal reports that an incoming signal's content identity
	// already exists. Duplicates are dropped, not errors to the caller.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrOpenTaskExists prevents a second concurrent task for one topic.
	ErrOpenTaskExists = errors.New("topic already has an open task")

	// ErrInvalidTransition reports a task status change outside the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// IsRecoverable reports whether err wraps ErrRecoverable.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}
