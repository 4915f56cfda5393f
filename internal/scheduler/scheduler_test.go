package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbornet/arbor/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newFakeJobStore(jobs ...*store.ScheduledJob) *fakeJobStore {
	f := &fakeJobStore{jobs: make(map[string]*store.ScheduledJob)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobStore) ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range f.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobStore) UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   []string
	params []map[string]any
	err    error
	block  chan struct{}
}

func (f *fakeRunner) RunWorkflow(ctx context.Context, workflowName string, params map[string]any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, workflowName)
	f.params = append(f.params, params)
	return f.err
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dueJob(id, workflow string) *store.ScheduledJob {
	past := time.Now().UTC().Add(-time.Minute)
	return &store.ScheduledJob{
		ID:             id,
		WorkflowName:   workflow,
		CronExpression: "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}
}

func TestTick_RunsDueJobs(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"env": "staging"})
	job := dueJob("job-1", "nightly-build")
	job.Params = params
	js := newFakeJobStore(job)
	runner := &fakeRunner{}
	s := NewScheduler(js, runner, testLogger())

	s.tick(context.Background())

	require.Equal(t, 1, runner.runCount())
	assert.Equal(t, "nightly-build", runner.runs[0])
	assert.Equal(t, "staging", runner.params[0]["env"])
	assert.Equal(t, "success", js.jobs["job-1"].LastRunStatus)
	require.NotNil(t, js.jobs["job-1"].NextRunAt)
	assert.True(t, js.jobs["job-1"].NextRunAt.After(time.Now().UTC()))
}

func TestTick_SkipsFutureAndDisabledJobs(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	notDue := dueJob("job-future", "later")
	notDue.NextRunAt = &future
	disabled := dueJob("job-off", "never")
	disabled.Enabled = false
	js := newFakeJobStore(notDue, disabled)
	runner := &fakeRunner{}
	s := NewScheduler(js, runner, testLogger())

	s.tick(context.Background())
	assert.Zero(t, runner.runCount())
}

func TestTick_RunnerErrorRecordedAndRescheduled(t *testing.T) {
	js := newFakeJobStore(dueJob("job-1", "flaky"))
	runner := &fakeRunner{err: errors.New("boom")}
	s := NewScheduler(js, runner, testLogger())

	s.tick(context.Background())

	assert.Equal(t, "error", js.jobs["job-1"].LastRunStatus)
	require.NotNil(t, js.jobs["job-1"].NextRunAt, "failed jobs still get a next run")
}

func TestTick_InflightDedup(t *testing.T) {
	js := newFakeJobStore(dueJob("job-1", "slow"))
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewScheduler(js, runner, testLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tick(context.Background())
	}()

	// Wait until the first tick holds the in-flight slot.
	require.Eventually(t, func() bool {
		s.inflightMu.Lock()
		defer s.inflightMu.Unlock()
		_, ok := s.inflight["job-1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	s.tick(context.Background()) // must skip, job already running
	close(runner.block)
	wg.Wait()

	assert.Equal(t, 1, runner.runCount())
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newFakeJobStore(), &fakeRunner{}, testLogger())
	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestRecoverMissed(t *testing.T) {
	js := newFakeJobStore(dueJob("job-1", "missed"))
	runner := &fakeRunner{}
	s := NewScheduler(js, runner, testLogger())

	require.NoError(t, s.RecoverMissed(context.Background()))
	assert.Equal(t, 1, runner.runCount())
	assert.Equal(t, "success", js.jobs["job-1"].LastRunStatus)
}

func TestStartStop(t *testing.T) {
	js := newFakeJobStore(dueJob("job-1", "on-start"))
	runner := &fakeRunner{}
	s := NewScheduler(js, runner, testLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")

	require.Eventually(t, func() bool { return runner.runCount() == 1 },
		time.Second, 5*time.Millisecond, "initial tick runs due jobs immediately")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}
