// Package tasks defines the core data structures for task representation in the ingestq system.
// Tasks are units of asynchronous work (one uploaded document, audio clip or text item)
// that are enqueued by producers, claimed by workers, and retried or dead-lettered on failure.
package tasks

import (
	"fmt"
	"time"
)

// Task represents a unit of work tracked through its lifecycle.
//
// The Type field routes the task to a downstream workflow, while the Payload
// is passed through unmodified to the consuming worker. RetryCount is
// incremented by the queue each time a failure is retried; once it exceeds
// MaxRetries the task is dead-lettered.
type Task struct {
	// ID is a unique identifier for the task (UUID), immutable after creation.
	ID string `json:"id"`

	// Type selects the worker class that consumes the task.
	Type Type `json:"type"`

	// Priority is the scheduling tier. Lower values are served first.
	Priority Priority `json:"priority"`

	// Payload is opaque job data handed to the worker as-is.
	Payload map[string]any `json:"payload"`

	Status Status `json:"status"`

	// WorkerID identifies the worker holding the current claim.
	WorkerID string `json:"worker_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Error holds the last failure message, overwritten on each failure.
	Error string `json:"error,omitempty"`

	// Result is only set on successful completion.
	Result map[string]any `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// NextEligibleAt is the earliest time a pending task may be claimed.
	// It equals CreatedAt until the first retry pushes it into the future.
	NextEligibleAt time.Time `json:"next_eligible_at"`

	BatchID   string `json:"batch_id,omitempty"`
	ItemIndex *int   `json:"item_index,omitempty"`
}

// Claimable reports whether a worker may take ownership of the task at now.
func (t *Task) Claimable(now time.Time) bool {
	return t.Status == StatusPending && !t.NextEligibleAt.After(now)
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTask, s)
}

// Priority is an integer scheduling band. 0 is the most urgent, 4 is batch-class.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
	PriorityBatch  Priority = 4
)

// NumPriorities is the number of priority tiers.
const NumPriorities = int(PriorityBatch) + 1

// Valid reports whether p is within the supported tier range.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityBatch
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBatch:
		return "batch"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// DeadLetterStatus tracks remediation of a dead-lettered task. It is
// independent of the originating task's status.
type DeadLetterStatus string

const (
	DeadLetterPending    DeadLetterStatus = "pending"
	DeadLetterProcessing DeadLetterStatus = "processing"
	DeadLetterResolved   DeadLetterStatus = "resolved"
)

// ParseDeadLetterStatus converts a string into a DeadLetterStatus.
func ParseDeadLetterStatus(s string) (DeadLetterStatus, error) {
	switch DeadLetterStatus(s) {
	case DeadLetterPending, DeadLetterProcessing, DeadLetterResolved:
		return DeadLetterStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown dead letter status %q", ErrInvalidTask, s)
}

// DeadLetter is the durable record of a task that exhausted its retry budget.
type DeadLetter struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	TaskType   Type             `json:"task_type"`
	Payload    map[string]any   `json:"payload"`
	Error      string           `json:"error"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
	Status     DeadLetterStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Stats is a point-in-time queue health snapshot. It is never persisted.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DLQSize    int64 `json:"dlq_size"`

	// Source names the backend that produced the snapshot. Diagnostic only.
	Source string `json:"source"`
}

// BatchStatus aggregates the tasks of one caller-submitted batch.
type BatchStatus struct {
	BatchID string           `json:"batch_id"`
	Total   int64            `json:"total"`
	Counts  map[Status]int64 `json:"counts"`
}

// Done reports whether every task in the batch reached a terminal status.
func (b BatchStatus) Done() bool {
	return b.Total > 0 && b.Counts[StatusCompleted]+b.Counts[StatusFailed] == b.Total
}

// Filter narrows task listings. Zero fields are ignored.
type Filter struct {
	Status        Status
	BatchID       string
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// DeadLetterFilter narrows dead letter listings.
type DeadLetterFilter struct {
	Status DeadLetterStatus
	Limit  int
	Offset int
}
