package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			RunID:  run.ID,
			NodeID: "build",
			Type:   schema.EventNodeStart,
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence, "sequence should be monotonic")
	}
}

func TestEventLog_AppendEvent_ConcurrentWriters(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = el.AppendEvent(ctx, &Event{
				RunID: run.ID, NodeID: "build", Type: schema.EventLoopIteration,
			})
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence, "no gaps, no duplicates")
	}
}

func TestEventLog_SequencesAreIndependentPerRun(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	runA := seedRun(t, s)
	runB := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: runA.ID, Type: schema.EventRunStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: runA.ID, NodeID: "build", Type: schema.EventNodeStart}))

	e := &Event{RunID: runB.ID, Type: schema.EventRunStarted}
	require.NoError(t, el.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestEventLog_ReplayEvents_FullLifecycle(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	now := time.Now().UTC()

	// build: started -> success
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "build", Type: schema.EventNodeStart, Timestamp: now,
	}))
	completePayload, _ := json.Marshal(NodeCompletePayload{
		Status: schema.NodeStatusSuccess,
		Output: json.RawMessage(`{"artifact":"app.bin"}`),
	})
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "build", Type: schema.EventNodeComplete,
		Payload:   completePayload,
		Timestamp: now.Add(100 * time.Millisecond),
	}))

	// test: started -> failure
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "test", Type: schema.EventNodeStart, Timestamp: now,
	}))
	failPayload, _ := json.Marshal(NodeCompletePayload{
		Status: schema.NodeStatusFailure,
		Reason: schema.ReasonBusinessFailure,
	})
	require.NoError(t, el.AppendEvent(ctx, &Event{
		RunID: run.ID, NodeID: "test", Type: schema.EventNodeComplete,
		Payload:   failPayload,
		Timestamp: now.Add(200 * time.Millisecond),
	}))

	states, err := el.ReplayEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, states, 2)

	build := states["build"]
	require.NotNil(t, build)
	assert.Equal(t, schema.NodeStatusSuccess, build.Status)
	assert.JSONEq(t, `{"artifact":"app.bin"}`, string(build.Output))
	assert.Equal(t, int64(100), build.DurationMs)

	test := states["test"]
	require.NotNil(t, test)
	assert.Equal(t, schema.NodeStatusFailure, test.Status)
	assert.Equal(t, schema.ReasonBusinessFailure, test.Reason)
}

func TestEventLog_ReplayEvents_LoopIterations(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, NodeID: "retry-loop", Type: schema.EventNodeStart}))
	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, NodeID: "retry-loop", Type: schema.EventLoopIteration}))
	}

	states, err := el.ReplayEvents(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, states["retry-loop"])
	assert.Equal(t, 3, states["retry-loop"].Iterations)
	assert.Equal(t, schema.NodeStatusRunning, states["retry-loop"].Status,
		"interrupted loop replays as running, not terminal")
}

func TestEventLog_ReplayEvents_Deterministic(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, NodeID: "build", Type: schema.EventNodeStart}))
	payload, _ := json.Marshal(NodeCompletePayload{Status: schema.NodeStatusSuccess})
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: run.ID, NodeID: "build", Type: schema.EventNodeComplete, Payload: payload}))

	first, err := el.ReplayEvents(ctx, run.ID)
	require.NoError(t, err)
	second, err := el.ReplayEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEventLog_ReplayEvents_Empty(t *testing.T) {
	el, s := newTestEventLog(t)
	run := seedRun(t, s)

	states, err := el.ReplayEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
