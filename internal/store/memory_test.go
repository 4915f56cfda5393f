package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/pkg/schema"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) (*WorkingMemory, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewWorkingMemory(s, NewEventLog(s), opts...), s
}

func TestWorkingMemory_WriteAndRead(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key:        "tests.passed",
		Value:      true,
		Source:     "test-worker",
		Confidence: schema.ConfidenceVerified,
		Tier:       schema.TierSession,
		RunID:      run.ID,
	}))

	val, ok, err := wm.Read(ctx, run.ID, "tests.passed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, val)
}

func TestWorkingMemory_AppendOnly_LatestWins(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)

	base := time.Now().UTC()
	for i, v := range []any{float64(1), float64(2), float64(3)} {
		require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
			Key:       "attempt",
			Value:     v,
			Tier:      schema.TierSession,
			RunID:     run.ID,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	val, ok, err := wm.Read(ctx, run.ID, "attempt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(3), val)

	// The full history survives: writes never overwrite.
	history, err := wm.History(ctx, run.ID, "attempt")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestWorkingMemory_SessionShadowsDurable(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "deploy.target", Value: "staging", Tier: schema.TierDurable,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "deploy.target", Value: "prod", Tier: schema.TierSession, RunID: run.ID,
	}))

	val, ok, err := wm.Read(ctx, run.ID, "deploy.target")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "prod", val)
}

func TestWorkingMemory_ReadTier_SkipsMerge(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)
	other := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "deploy.target", Value: "staging", Tier: schema.TierDurable,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "deploy.target", Value: "prod", Tier: schema.TierSession, RunID: run.ID,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "deploy.target", Value: "dev", Tier: schema.TierSession, RunID: other.ID,
	}))

	val, ok, err := wm.ReadTier(ctx, run.ID, "deploy.target", schema.TierDurable)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "staging", val, "durable read must not see the session shadow")

	val, ok, err = wm.ReadTier(ctx, run.ID, "deploy.target", schema.TierSession)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "prod", val, "session read must be scoped to the run")

	_, ok, err = wm.ReadTier(ctx, run.ID, "project.language", schema.TierSession)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = wm.ReadTier(ctx, run.ID, "deploy.target", "archive")
	require.Error(t, err)
}

func TestWorkingMemory_ReadTier_HonorsExpiry(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	wm, s := newTestMemory(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "flaky.fact", Value: "fresh", Tier: schema.TierSession, RunID: run.ID, TTLSeconds: 60,
	}))

	_, ok, err := wm.ReadTier(ctx, run.ID, "flaky.fact", schema.TierSession)
	require.NoError(t, err)
	assert.True(t, ok)

	later := now.Add(2 * time.Minute)
	clock = &later
	_, ok, err = wm.ReadTier(ctx, run.ID, "flaky.fact", schema.TierSession)
	require.NoError(t, err)
	assert.False(t, ok, "expired session fact must read as absent")
}

func TestWorkingMemory_TTLExpiry(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	wm, s := newTestMemory(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key:        "flaky.fact",
		Value:      "fresh",
		Tier:       schema.TierSession,
		RunID:      run.ID,
		TTLSeconds: 60,
	}))

	_, ok, err := wm.Read(ctx, run.ID, "flaky.fact")
	require.NoError(t, err)
	assert.True(t, ok)

	// Advance past the TTL: the record is filtered at read time.
	later := now.Add(2 * time.Minute)
	clock = &later
	_, ok, err = wm.Read(ctx, run.ID, "flaky.fact")
	require.NoError(t, err)
	assert.False(t, ok, "expired session fact must read as absent")
}

func TestWorkingMemory_DurableNeverExpires(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	wm, s := newTestMemory(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "project.language", Value: "go", Tier: schema.TierDurable,
	}))

	later := now.Add(24 * 365 * time.Hour)
	clock = &later
	val, ok, err := wm.Read(ctx, run.ID, "project.language")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "go", val)
}

func TestWorkingMemory_Snapshot_MergesTiers(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)
	other := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "project.language", Value: "go", Tier: schema.TierDurable,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "tests.passed", Value: true, Tier: schema.TierSession, RunID: run.ID,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "tests.passed", Value: false, Tier: schema.TierSession, RunID: other.ID,
	}))

	snap, err := wm.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "go", snap["project.language"])
	assert.Equal(t, true, snap["tests.passed"], "other runs' session facts must not leak")
}

func TestWorkingMemory_WriteEmitsEvent(t *testing.T) {
	wm, s := newTestMemory(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "tests.passed", Value: true, Tier: schema.TierSession, RunID: run.ID,
	}))

	events, err := s.GetEventsByType(ctx, schema.EventMemoryWrite, EventFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestWorkingMemory_ValidationErrors(t *testing.T) {
	wm, _ := newTestMemory(t)
	ctx := context.Background()

	t.Run("empty key", func(t *testing.T) {
		err := wm.Write(ctx, &schema.MemoryRecord{Tier: schema.TierSession, RunID: "r1"})
		require.Error(t, err)
	})

	t.Run("session without run", func(t *testing.T) {
		err := wm.Write(ctx, &schema.MemoryRecord{Key: "k", Tier: schema.TierSession})
		require.Error(t, err)
	})

	t.Run("unknown tier", func(t *testing.T) {
		err := wm.Write(ctx, &schema.MemoryRecord{Key: "k", Tier: "archive"})
		require.Error(t, err)
	})
}

func TestWorkingMemory_Sweep(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	wm, s := newTestMemory(t, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "short", Value: 1, Tier: schema.TierSession, RunID: run.ID, TTLSeconds: 1,
	}))
	require.NoError(t, wm.Write(ctx, &schema.MemoryRecord{
		Key: "keep", Value: 2, Tier: schema.TierDurable,
	}))

	later := now.Add(time.Hour)
	clock = &later
	n, err := wm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := wm.Read(ctx, run.ID, "keep")
	require.NoError(t, err)
	assert.True(t, ok)
}
