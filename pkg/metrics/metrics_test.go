package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubStats struct {
	st  tasks.Stats
	err error
}

func (s stubStats) Stats(context.Context) (tasks.Stats, error) { return s.st, s.err }

type stubDepths struct {
	depths map[tasks.Priority]int64
	oldest time.Time
}

func (s stubDepths) Depths(context.Context) (map[tasks.Priority]int64, error) { return s.depths, nil }
func (s stubDepths) OldestPending(context.Context) (time.Time, error)          { return s.oldest, nil }

func TestObserveStats(t *testing.T) {
	ObserveStats(tasks.Stats{Pending: 4, Processing: 2, Completed: 10, Failed: 1, DLQSize: 1})

	assert.Equal(t, 4.0, testutil.ToFloat64(Tasks.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(Tasks.WithLabelValues("processing")))
	assert.Equal(t, 10.0, testutil.ToFloat64(Tasks.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeadLetters))
}

func TestObserveDepths(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ObserveDepths(map[tasks.Priority]int64{tasks.PriorityUrgent: 3, tasks.PriorityBatch: 7}, now.Add(-90*time.Second), now)

	assert.Equal(t, 3.0, testutil.ToFloat64(PendingByPriority.WithLabelValues("urgent")))
	assert.Equal(t, 7.0, testutil.ToFloat64(PendingByPriority.WithLabelValues("batch")))
	assert.Equal(t, 90.0, testutil.ToFloat64(OldestPendingAge))

	ObserveDepths(nil, time.Time{}, now)
	assert.Zero(t, testutil.ToFloat64(OldestPendingAge))
}

func TestRefreshKeepsLastValuesOnError(t *testing.T) {
	ObserveStats(tasks.Stats{Pending: 9})
	refresh(context.Background(), stubStats{err: errors.New("down")}, nil, zerolog.Nop())
	assert.Equal(t, 9.0, testutil.ToFloat64(Tasks.WithLabelValues("pending")))

	refresh(context.Background(), stubStats{st: tasks.Stats{Pending: 1}},
		stubDepths{depths: map[tasks.Priority]int64{tasks.PriorityLow: 5}}, zerolog.Nop())
	assert.Equal(t, 1.0, testutil.ToFloat64(Tasks.WithLabelValues("pending")))
	assert.Equal(t, 5.0, testutil.ToFloat64(PendingByPriority.WithLabelValues("low")))
}

func TestCollectStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Collect(ctx, time.Millisecond, stubStats{st: tasks.Stats{Pending: 2}}, nil, zerolog.Nop())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Collect did not return after cancel")
	}
}
