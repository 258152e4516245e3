package tasks

import "errors"

var (
	// ErrStorageUnavailable is returned when no backend could serve the call.
	// Producers retry the enqueue themselves; it is outside the task retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTaskNotFound is returned when a task id is absent from the durable store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDeadLetterNotFound is returned when a dead letter id is unknown.
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrInvalidTask is returned when a task or request fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidTransition is returned when a lifecycle call does not match
	// the current state, e.g. completing a task that was never claimed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotClaimable signals a lost claim race. It never leaves the queue package.
	ErrNotClaimable = errors.New("task not claimable")
)
