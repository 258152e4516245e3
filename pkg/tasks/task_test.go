package tasks

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryTypeHasWorkflow(t *testing.T) {
	seen := make(map[string]Type)
	for _, typ := range Types {
		w, ok := typ.Workflow()
		require.True(t, ok, "type %s has no workflow", typ)
		require.NotEmpty(t, w)
		if other, dup := seen[w]; dup {
			t.Fatalf("workflow %s routed from both %s and %s", w, other, typ)
		}
		seen[w] = typ
	}
	assert.Len(t, workflows, len(Types))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("audio")
	require.NoError(t, err)
	assert.Equal(t, TypeAudio, typ)

	_, err = ParseType("video")
	assert.True(t, errors.Is(err, ErrInvalidTask))
}

func TestPriorityRange(t *testing.T) {
	for p := PriorityUrgent; p <= PriorityBatch; p++ {
		assert.True(t, p.Valid(), p.String())
	}
	assert.False(t, Priority(-1).Valid())
	assert.False(t, Priority(5).Valid())
	assert.Equal(t, NumPriorities, 5)
	assert.Equal(t, "priority(9)", Priority(9).String())
}

func TestClaimable(t *testing.T) {
	now := time.Now()
	task := &Task{Status: StatusPending, NextEligibleAt: now.Add(time.Second)}
	assert.False(t, task.Claimable(now))
	assert.True(t, task.Claimable(now.Add(time.Second)))

	task.Status = StatusProcessing
	assert.False(t, task.Claimable(now.Add(time.Hour)))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st)

	_, err = ParseStatus("dead")
	assert.ErrorIs(t, err, ErrInvalidTask)

	dl, err := ParseDeadLetterStatus("resolved")
	require.NoError(t, err)
	assert.Equal(t, DeadLetterResolved, dl)
}

func TestBatchStatusDone(t *testing.T) {
	b := BatchStatus{Total: 3, Counts: map[Status]int64{StatusCompleted: 2, StatusFailed: 1}}
	assert.True(t, b.Done())

	b.Counts[StatusCompleted] = 1
	b.Counts[StatusProcessing] = 1
	assert.False(t, b.Done())

	assert.False(t, BatchStatus{}.Done())
}

func TestTaskJSONOmitsUnsetFields(t *testing.T) {
	task := Task{ID: "t1", Type: TypeText, Status: StatusPending, Payload: map[string]any{"k": "v"}}
	data, err := json.Marshal(task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "worker_id")
	assert.NotContains(t, raw, "started_at")
	assert.NotContains(t, raw, "result")
	assert.Equal(t, "text", raw["type"])
}
