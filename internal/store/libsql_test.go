package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "build-and-test",
		Root: &schema.Node{
			ID:   "root",
			Kind: schema.NodeKindSequence,
			Children: []*schema.Node{
				{ID: "build", Kind: schema.NodeKindAction, Skill: "compile"},
				{ID: "test", Kind: schema.NodeKindAction, Skill: "run-tests"},
			},
		},
	}
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "build-and-test",
		Definition:   testDefinition(),
		Status:       schema.RunStatusActive,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "build-and-test",
		Definition:   testDefinition(),
		Status:       schema.RunStatusPending,
		Params:       map[string]any{"branch": "main"},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "build-and-test", got.WorkflowName)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "main", got.Params["branch"])
	require.NotNil(t, got.Definition.Root)
	assert.Len(t, got.Definition.Root.Children, 2)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	var arbErr *schema.ArborError
	require.ErrorAs(t, err, &arbErr)
	assert.Equal(t, schema.ErrCodeNotFound, arbErr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &completed,
		Output:      json.RawMessage(`{"status":"success"}`),
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"status":"success"}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)
}

func TestListRuns_Filtered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedRun(t, s)
	failed := seedRun(t, s)
	failedStatus := schema.RunStatusFailed
	require.NoError(t, s.UpdateRun(ctx, failed.ID, RunUpdate{Status: &failedStatus}))

	activeStatus := schema.RunStatusActive
	runs, err := s.ListRuns(ctx, RunFilter{Status: &activeStatus})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, active.ID, runs[0].ID)
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: schema.EventRunStarted}))
	require.NoError(t, s.DeleteRun(ctx, run.ID))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// --- Node State Tests ---

func TestUpsertAndGetNodeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	started := time.Now().UTC()
	ns := &NodeState{
		RunID:     run.ID,
		NodeID:    "build",
		Status:    schema.NodeStatusRunning,
		StartedAt: &started,
	}
	require.NoError(t, s.UpsertNodeState(ctx, ns))

	ns.Status = schema.NodeStatusSuccess
	ns.Output = json.RawMessage(`{"artifact":"app.bin"}`)
	require.NoError(t, s.UpsertNodeState(ctx, ns))

	got, err := s.GetNodeState(ctx, run.ID, "build")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSuccess, got.Status)
	assert.JSONEq(t, `{"artifact":"app.bin"}`, string(got.Output))
}

func TestListNodeStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, id := range []string{"build", "test"} {
		require.NoError(t, s.UpsertNodeState(ctx, &NodeState{
			RunID: run.ID, NodeID: id, Status: schema.NodeStatusSuccess,
		}))
	}

	states, err := s.ListNodeStates(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

// --- Feedback Tests ---

func TestCreateAndListFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	msg := &schema.FeedbackMessage{
		ID:                uuid.New().String(),
		RunID:             run.ID,
		FromNode:          "verify",
		ToNode:            "build",
		Type:              schema.FeedbackFixRequest,
		Message:           "missing artifact",
		MissingComponents: []string{"app.bin"},
		Status:            schema.FeedbackQueued,
		Round:             1,
	}
	require.NoError(t, s.CreateFeedback(ctx, msg))

	got, err := s.GetFeedback(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FeedbackQueued, got.Status)
	assert.Equal(t, []string{"app.bin"}, got.MissingComponents)
	assert.Equal(t, 1, got.Round)

	delivered := schema.FeedbackDelivered
	require.NoError(t, s.UpdateFeedback(ctx, msg.ID, FeedbackUpdate{Status: &delivered}))

	msgs, err := s.ListFeedback(ctx, FeedbackFilter{RunID: run.ID, Status: &delivered})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestCountFeedbackRounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for round := 1; round <= 2; round++ {
		require.NoError(t, s.CreateFeedback(ctx, &schema.FeedbackMessage{
			ID: uuid.New().String(), RunID: run.ID,
			FromNode: "verify", ToNode: "build",
			Type: schema.FeedbackFixRequest, Status: schema.FeedbackQueued, Round: round,
		}))
	}

	n, err := s.CountFeedbackRounds(ctx, run.ID, "verify", "build")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountFeedbackRounds(ctx, run.ID, "verify", "deploy")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// --- Scheduled Job Tests ---

func TestScheduledJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowName:   "nightly-build",
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		LastRunAt:     &now,
		LastRunStatus: "completed",
	}))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)
}
