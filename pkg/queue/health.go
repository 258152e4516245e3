package queue

import (
	"context"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
)

// BackendHealth is the result of probing one backend.
type BackendHealth struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

func probe(ctx context.Context, name string, ping func(context.Context) error) BackendHealth {
	start := time.Now()
	err := ping(ctx)
	h := BackendHealth{Name: name, Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Health probes every configured backend.
func (r *Registry) Health(ctx context.Context) []BackendHealth {
	return r.store.Health(ctx)
}

// Stats reports queue health from the authoritative backend. It is computed
// fresh on every call.
func (r *Registry) Stats(ctx context.Context) (tasks.Stats, error) {
	return r.store.Stats(ctx)
}
