package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Handler runs one task through its downstream workflow and returns the
// result to record.
type Handler func(ctx context.Context, t *tasks.Task) (map[string]any, error)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker dead-letters the task without retrying.
func Permanent(err error) error {
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Dispatcher routes tasks to the handler registered for their type's
// workflow.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a workflow name to h.
func (d *Dispatcher) Register(workflow string, h Handler) {
	d.handlers[workflow] = h
}

// Dispatch runs t through its workflow. A type without a registered
// workflow is a permanent failure.
func (d *Dispatcher) Dispatch(ctx context.Context, t *tasks.Task) (map[string]any, error) {
	workflow, ok := t.Type.Workflow()
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown task type %q", t.Type))
	}
	h, ok := d.handlers[workflow]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler for workflow %s", workflow))
	}
	return h(ctx, t)
}

// simulated returns a stand-in for an external workflow: it waits d, then
// succeeds unless the payload asks for a "transient" or "permanent"
// failure through its simulate_failure key.
func simulated(workflow string, d time.Duration, log zerolog.Logger) Handler {
	return func(ctx context.Context, t *tasks.Task) (map[string]any, error) {
		log.Info().
			Str("task_id", t.ID).
			Str("workflow", workflow).
			Int("retry_count", t.RetryCount).
			Msg("Processing task")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}

		switch t.Payload["simulate_failure"] {
		case "transient":
			return nil, fmt.Errorf("%s: simulated transient failure", workflow)
		case "permanent":
			return nil, Permanent(fmt.Errorf("%s: simulated permanent failure", workflow))
		}
		return map[string]any{
			"workflow":     workflow,
			"completed_at": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

// defaultDispatcher registers a simulated handler for every workflow.
func defaultDispatcher(log zerolog.Logger) *Dispatcher {
	d := NewDispatcher()
	durations := map[tasks.Type]time.Duration{
		tasks.TypeDocument:      500 * time.Millisecond,
		tasks.TypeAudio:         time.Second,
		tasks.TypeText:          100 * time.Millisecond,
		tasks.TypeOnboarding:    200 * time.Millisecond,
		tasks.TypeCommunication: 200 * time.Millisecond,
	}
	for _, typ := range tasks.Types {
		workflow, _ := typ.Workflow()
		d.Register(workflow, simulated(workflow, durations[typ], log))
	}
	return d
}
