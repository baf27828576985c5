package propagate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "propagate-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// seedRun creates a run with the given statuses and returns it with step runs
// attached. lastExecuted counts steps already COMPLETED.
func seedRun(t *testing.T, s store.Store, runStatus schema.Status, stepStatuses []schema.Status, lastExecuted int) *store.PipelineRun {
	t.Helper()
	ctx := context.Background()

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	run := &store.PipelineRun{
		ID: "run-1", PipelineID: "pipe-a", PipelineName: "nightly-sync",
		Start: start, Finish: start.AddDate(0, 0, 1).Add(-time.Microsecond),
		Status: schema.StatusWaiting,
	}
	stepRuns := make([]*store.PipelineStepRun, 0, len(stepStatuses))
	for i := range stepStatuses {
		stepRuns = append(stepRuns, &store.PipelineStepRun{
			ID: "sr-" + string(rune('1'+i)), PipelineRunID: run.ID, Order: i + 1,
			WorkflowID: "wf-" + string(rune('1'+i)), Status: schema.StatusPending,
		})
	}
	require.NoError(t, s.CreateRun(ctx, run, stepRuns))

	for i, status := range stepStatuses {
		if status != schema.StatusPending {
			update := store.StepRunStatusUpdate{Status: status}
			if status.Terminal() {
				update.FinalStatus = &status
			}
			require.NoError(t, s.UpdateStepRunStatus(ctx, stepRuns[i].ID, update))
		}
	}
	for i := 0; i < lastExecuted; i++ {
		require.NoError(t, s.IncrementLastExecutedStep(ctx, run.ID))
	}
	if runStatus != schema.StatusWaiting {
		require.NoError(t, s.UpdateRunStatus(ctx, run.ID, store.RunStatusUpdate{Status: runStatus}))
	}

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	return got
}

func TestApplyCompletedMidRun(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	// Step 2 of 3 is WAITING on its job; run is RUNNING.
	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusCompleted, schema.StatusWaiting, schema.StatusPending}, 1)

	require.NoError(t, p.Apply(ctx, "sr-2", schema.StatusCompleted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusWaiting, got.Status)
	assert.Equal(t, 2, got.LastExecutedStep)
	assert.Equal(t, schema.StatusCompleted, got.StepRuns[1].Status)

	// The same event again is a no-op.
	require.NoError(t, p.Apply(ctx, "sr-2", schema.StatusCompleted))
	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.LastExecutedStep)
	assert.Equal(t, schema.StatusWaiting, again.Status)
}

func TestApplyCompletedLastStep(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusCompleted, schema.StatusWaiting}, 1)

	require.NoError(t, p.Apply(ctx, "sr-2", schema.StatusCompleted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	require.NotNil(t, got.FinalStatus)
	assert.Equal(t, schema.StatusCompleted, *got.FinalStatus)
	assert.Equal(t, 2, got.LastExecutedStep)
}

func TestApplyRunningFromWaitingRun(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusWaiting,
		[]schema.Status{schema.StatusWaiting, schema.StatusPending}, 0)

	require.NoError(t, p.Apply(ctx, "sr-1", schema.StatusRunning))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Equal(t, schema.StatusRunning, got.StepRuns[0].Status)
}

func TestApplyError(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusWaiting, schema.StatusPending}, 0)

	require.NoError(t, p.Apply(ctx, "sr-1", schema.StatusError))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusError, got.Status)
	require.NotNil(t, got.FinalStatus)
	assert.Equal(t, schema.StatusError, *got.FinalStatus)
	assert.Equal(t, schema.StatusError, got.StepRuns[0].Status)

	logs, err := s.ListStepRunLogs(ctx, "sr-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Level)
}

func TestApplyIgnoredOnTerminalRun(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusCanceled,
		[]schema.Status{schema.StatusWaiting}, 0)

	require.NoError(t, p.Apply(ctx, "sr-1", schema.StatusCompleted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCanceled, got.Status)
	assert.Equal(t, schema.StatusWaiting, got.StepRuns[0].Status)
	assert.Equal(t, 0, got.LastExecutedStep)
}

func TestApplyInterruptedLandsOnStepRunOnly(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusRunning, schema.StatusPending}, 0)

	require.NoError(t, p.Apply(ctx, "sr-1", schema.StatusInterrupted))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Equal(t, schema.StatusInterrupted, got.StepRuns[0].Status)
}

func TestOnJobStatus(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusWaiting, schema.StatusPending}, 0)

	job := &store.Job{
		ID: "job-1", StepRunID: "sr-1", WorkflowID: "wf-1",
		Status: schema.StatusRunning, StartedAt: run.Start.Add(time.Minute),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, p.OnJobStatus(ctx, "job-1", schema.StatusCompleted))

	gotJob, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, gotJob.Status)
	assert.NotNil(t, gotJob.FinishedAt)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, got.StepRuns[0].Status)
	assert.Equal(t, 1, got.LastExecutedStep)
}

func TestRecover(t *testing.T) {
	s := newTestStore(t)
	p := New(s, nil)
	ctx := context.Background()

	// Step 1 WAITING with a job that already completed while we were down.
	run := seedRun(t, s, schema.StatusRunning,
		[]schema.Status{schema.StatusWaiting, schema.StatusPending}, 0)

	finished := run.Start.Add(30 * time.Minute)
	require.NoError(t, s.CreateJob(ctx, &store.Job{
		ID: "job-1", StepRunID: "sr-1", WorkflowID: "wf-1",
		Status: schema.StatusCompleted, StartedAt: run.Start.Add(time.Minute), FinishedAt: &finished,
	}))

	require.NoError(t, p.Recover(ctx))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, got.StepRuns[0].Status)
	assert.Equal(t, 1, got.LastExecutedStep)
	assert.Equal(t, schema.StatusWaiting, got.Status)

	// Second pass finds nothing left to recover.
	require.NoError(t, p.Recover(ctx))
	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.LastExecutedStep)
}
