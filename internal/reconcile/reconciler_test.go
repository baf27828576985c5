package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

func dailySpec(start string) *schema.ScheduleSpec {
	return &schema.ScheduleSpec{Frequency: schema.FreqDaily, StartDateTime: start}
}

func immediateSpec() *schema.ScheduleSpec {
	return &schema.ScheduleSpec{ExecuteImmediately: true, Frequency: schema.FreqImmediately}
}

func testPipeline(id string, updatedAt time.Time, specs ...*schema.ScheduleSpec) *schema.Pipeline {
	p := &schema.Pipeline{ID: id, Name: "pipeline-" + id, Enabled: true,
		ExecutionWindow: schema.WindowDaily, UpdatedAt: updatedAt}
	for i, spec := range specs {
		p.Steps = append(p.Steps, schema.PipelineStep{
			ID: id + "-s" + string(rune('0'+i+1)), Order: i + 1, Enabled: true,
			WorkflowID: "wf-" + string(rune('0'+i+1)), Spec: spec,
		})
	}
	return p
}

func testRun(id, pipelineID string, start, finish time.Time, status schema.Status, lastExecuted, steps int) *store.PipelineRun {
	r := &store.PipelineRun{
		ID: id, PipelineID: pipelineID, Start: start, Finish: finish,
		Status: status, LastExecutedStep: lastExecuted, UpdatedAt: start,
	}
	for i := 1; i <= steps; i++ {
		r.StepRuns = append(r.StepRuns, &store.PipelineStepRun{
			ID: id + "-sr" + string(rune('0'+i)), PipelineRunID: id, Order: i,
			WorkflowID: "wf-" + string(rune('0'+i)), Status: schema.StatusPending,
		})
	}
	return r
}

func TestReconcileNoRunCreates(t *testing.T) {
	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-time.Hour), dailySpec("2024-01-01T03:00"))

	cmds := Reconcile(&Snapshot{Pipelines: map[string]*schema.Pipeline{"pipe-a": p}}, now)
	require.Len(t, cmds, 1)
	assert.Equal(t, KindCreateRun, cmds[0].Kind)
	assert.Equal(t, "pipe-a", cmds[0].Pipeline.ID)
}

func TestReconcileExpiredIncompleteRun(t *testing.T) {
	now := time.Date(2024, 5, 21, 10, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour),
		dailySpec("2024-01-01T03:00"), dailySpec("2024-01-01T04:00"), dailySpec("2024-01-01T05:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 2, 3)

	cmds := Reconcile(&Snapshot{
		Pipelines:  map[string]*schema.Pipeline{"pipe-a": p},
		LatestRuns: []*store.PipelineRun{r},
	}, now)

	require.Len(t, cmds, 2)
	assert.Equal(t, KindUpdateRunStatus, cmds[0].Kind)
	assert.Equal(t, "run-1", cmds[0].RunID)
	assert.Equal(t, schema.StatusPending, cmds[0].Status)
	assert.Equal(t, KindCreateRun, cmds[1].Kind)
}

func TestReconcileExpiredCompleteRun(t *testing.T) {
	now := time.Date(2024, 5, 21, 10, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour), dailySpec("2024-01-01T03:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 1, 1)

	cmds := Reconcile(&Snapshot{
		Pipelines:  map[string]*schema.Pipeline{"pipe-a": p},
		LatestRuns: []*store.PipelineRun{r},
	}, now)

	require.Len(t, cmds, 2)
	assert.Equal(t, KindUpdateRunStatus, cmds[0].Kind)
	assert.Equal(t, schema.StatusCompleted, cmds[0].Status)
	require.NotNil(t, cmds[0].FinalStatus)
	assert.Equal(t, schema.StatusCompleted, *cmds[0].FinalStatus)
	assert.Equal(t, KindCreateRun, cmds[1].Kind)
}

func TestReconcileStaleDefinition(t *testing.T) {
	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-time.Hour), dailySpec("2024-01-01T03:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 0, 1)
	r.UpdatedAt = now.Add(-2 * time.Hour)

	cmds := Reconcile(&Snapshot{
		Pipelines:  map[string]*schema.Pipeline{"pipe-a": p},
		LatestRuns: []*store.PipelineRun{r},
	}, now)

	require.Len(t, cmds, 1)
	assert.Equal(t, KindUpdateRunInfo, cmds[0].Kind)
	assert.Equal(t, "run-1", cmds[0].RunID)
	assert.True(t, cmds[0].UpdatedAt.Equal(p.UpdatedAt))
}

func TestDispatchActiveStepMatches(t *testing.T) {
	now := time.Date(2024, 5, 20, 3, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour), dailySpec("2024-01-01T03:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 0, 1)

	cmds := Dispatch(p, r, now)
	require.Len(t, cmds, 1)
	assert.Equal(t, KindTriggerWorkflow, cmds[0].Kind)
	assert.Equal(t, "run-1-sr1", cmds[0].StepRunID)
	assert.Equal(t, 1, cmds[0].StepOrder)
}

func TestDispatchImmediateStep(t *testing.T) {
	// Off the schedule minute: only the immediate flag fires.
	now := time.Date(2024, 5, 20, 17, 42, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour),
		dailySpec("2024-01-01T03:00"), immediateSpec())

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 1, 2)

	cmds := Dispatch(p, r, now)
	require.Len(t, cmds, 1)
	assert.Equal(t, KindTriggerWorkflow, cmds[0].Kind)
	assert.Equal(t, 2, cmds[0].StepOrder)
}

func TestDispatchEarlierStepMatchDemotesToPending(t *testing.T) {
	// Step 1 already executed but its schedule fires again at now, while the
	// active step 2 does not match.
	now := time.Date(2024, 5, 20, 3, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour),
		dailySpec("2024-01-01T03:00"), dailySpec("2024-01-01T22:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)
	r := testRun("run-1", "pipe-a", start, finish, schema.StatusWaiting, 1, 2)

	cmds := Dispatch(p, r, now)
	require.Len(t, cmds, 1)
	assert.Equal(t, KindUpdateRunStatus, cmds[0].Kind)
	assert.Equal(t, schema.StatusPending, cmds[0].Status)
}

func TestDispatchTerminalAndExhaustedRuns(t *testing.T) {
	now := time.Date(2024, 5, 20, 3, 0, 0, 0, time.UTC)
	p := testPipeline("pipe-a", now.Add(-48*time.Hour), dailySpec("2024-01-01T03:00"))

	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	finish := start.AddDate(0, 0, 1).Add(-time.Microsecond)

	terminal := testRun("run-1", "pipe-a", start, finish, schema.StatusError, 0, 1)
	assert.Empty(t, Dispatch(p, terminal, now))

	exhausted := testRun("run-2", "pipe-a", start, finish, schema.StatusWaiting, 1, 1)
	assert.Empty(t, Dispatch(p, exhausted, now))
}

func TestReconcileOrderingAndDeterminism(t *testing.T) {
	now := time.Date(2024, 5, 21, 3, 0, 0, 0, time.UTC)

	// pipe-b has an expired run; pipe-a has no run; pipe-c has a live run with
	// a matching step. Category order must be closures, creations, triggers,
	// with pipeline ids ascending inside each category.
	pa := testPipeline("pipe-a", now.Add(-time.Hour), dailySpec("2024-01-01T03:00"))
	pb := testPipeline("pipe-b", now.Add(-48*time.Hour), dailySpec("2024-01-01T03:00"))
	pc := testPipeline("pipe-c", now.Add(-48*time.Hour), dailySpec("2024-01-01T03:00"))

	expiredStart := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	rb := testRun("run-b", "pipe-b", expiredStart,
		expiredStart.AddDate(0, 0, 1).Add(-time.Microsecond), schema.StatusWaiting, 0, 1)

	liveStart := time.Date(2024, 5, 21, 0, 0, 0, 0, time.UTC)
	rc := testRun("run-c", "pipe-c", liveStart,
		liveStart.AddDate(0, 0, 1).Add(-time.Microsecond), schema.StatusWaiting, 0, 1)
	rc.UpdatedAt = pc.UpdatedAt

	snap := &Snapshot{
		Pipelines:  map[string]*schema.Pipeline{"pipe-a": pa, "pipe-b": pb, "pipe-c": pc},
		LatestRuns: []*store.PipelineRun{rc, rb},
	}

	first := Reconcile(snap, now)
	require.Len(t, first, 4)
	assert.Equal(t, KindUpdateRunStatus, first[0].Kind)
	assert.Equal(t, "run-b", first[0].RunID)
	assert.Equal(t, KindCreateRun, first[1].Kind)
	assert.Equal(t, "pipe-a", first[1].Pipeline.ID)
	assert.Equal(t, KindCreateRun, first[2].Kind)
	assert.Equal(t, "pipe-b", first[2].Pipeline.ID)
	assert.Equal(t, KindTriggerWorkflow, first[3].Kind)
	assert.Equal(t, "run-c-sr1", first[3].StepRunID)

	for i := 0; i < 5; i++ {
		again := Reconcile(snap, now)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Kind, again[j].Kind)
			assert.Equal(t, first[j].RunID, again[j].RunID)
			assert.Equal(t, first[j].StepRunID, again[j].StepRunID)
		}
	}
}
