package queue

import (
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Option configures a Registry.
type Option func(*Registry)

// WithFastStore enables the Redis hot path.
func WithFastStore(f FastStore) Option {
	return func(r *Registry) { r.fast = f }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

func WithBackoff(b Backoff) Option {
	return func(r *Registry) { r.backoff = b }
}

// WithDefaultMaxRetries sets the retry budget for tasks enqueued without
// WithMaxRetries.
func WithDefaultMaxRetries(n int) Option {
	return func(r *Registry) { r.defaultMaxRetries = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

type enqueueOptions struct {
	priority   tasks.Priority
	maxRetries *int
	batchID    string
	itemIndex  *int
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithPriority sets the scheduling tier. The default is tasks.PriorityNormal.
func WithPriority(p tasks.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}

// WithBatch tags the task as item index of batch batchID.
func WithBatch(batchID string, index int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.batchID = batchID
		o.itemIndex = &index
	}
}

// BatchItem is one entry of EnqueueBatch. Nil fields take the defaults.
type BatchItem struct {
	Type       tasks.Type      `json:"type" validate:"required"`
	Payload    map[string]any  `json:"payload"`
	Priority   *tasks.Priority `json:"priority,omitempty" validate:"omitempty,min=0,max=4"`
	MaxRetries *int            `json:"max_retries,omitempty" validate:"omitempty,min=0"`
}
