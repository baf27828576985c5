// Package propagate folds terminal and running job statuses back into the
// owning step run and pipeline run.
package propagate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

// Propagator applies job status transitions to step runs and pipeline runs.
// Events for the same pipeline run are serialised by a per-run lock, which
// makes duplicate events no-ops: the second application sees a step run that
// already left its pre-state and does nothing.
type Propagator struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Propagator.
func New(s store.Store, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{store: s, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (p *Propagator) runLock(runID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[runID] = l
	}
	return l
}

// OnJobStatus records a job's status change and propagates it into the job's
// step run. Jobs without a step run only get their own row updated.
func (p *Propagator) OnJobStatus(ctx context.Context, jobID string, status schema.Status) error {
	update := store.JobStatusUpdate{Status: status}
	if status.Terminal() {
		now := time.Now().UTC()
		update.FinishedAt = &now
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, update); err != nil {
		return err
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.StepRunID == "" {
		return nil
	}
	return p.Apply(ctx, job.StepRunID, status)
}

// Apply folds a job status into the step run and its pipeline run. Re-entrant:
// applying the same (stepRun, status) twice leaves the store unchanged, gated
// on the (run, step run) statuses observed under the per-run lock.
func (p *Propagator) Apply(ctx context.Context, stepRunID string, jobStatus schema.Status) error {
	stepRun, err := p.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}

	lock := p.runLock(stepRun.PipelineRunID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so the gate sees the latest state.
	stepRun, err = p.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	run, err := p.store.GetRun(ctx, stepRun.PipelineRunID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() || stepRun.Status.Terminal() {
		p.logger.Debug("job status ignored on settled run",
			"run_id", run.ID,
			"step_run_id", stepRun.ID,
			"run_status", string(run.Status),
			"step_run_status", string(stepRun.Status),
			"job_status", string(jobStatus))
		return nil
	}

	switch jobStatus {
	case schema.StatusRunning:
		return p.markRunning(ctx, run, stepRun)
	case schema.StatusCompleted:
		return p.markCompleted(ctx, run, stepRun)
	case schema.StatusError:
		return p.markFailed(ctx, run, stepRun)
	default:
		// INTERRUPTED, CANCELED and the like land on the step run only.
		return p.markOther(ctx, run, stepRun, jobStatus)
	}
}

func (p *Propagator) markRunning(ctx context.Context, run *store.PipelineRun, stepRun *store.PipelineStepRun) error {
	if stepRun.Status != schema.StatusRunning {
		if err := p.store.UpdateStepRunStatus(ctx, stepRun.ID, store.StepRunStatusUpdate{
			Status: schema.StatusRunning,
		}); err != nil {
			return err
		}
	}
	if run.Status != schema.StatusRunning {
		if err := p.store.UpdateRunStatus(ctx, run.ID, store.RunStatusUpdate{
			Status: schema.StatusRunning,
		}); err != nil {
			return err
		}
	}
	return nil
}

// markCompleted closes the step run, advances the run's step counter, and
// either completes the run (all steps done) or parks it WAITING for the next
// step's schedule.
func (p *Propagator) markCompleted(ctx context.Context, run *store.PipelineRun, stepRun *store.PipelineStepRun) error {
	final := schema.StatusCompleted
	if err := p.store.UpdateStepRunStatus(ctx, stepRun.ID, store.StepRunStatusUpdate{
		Status: schema.StatusCompleted, FinalStatus: &final,
	}); err != nil {
		return err
	}
	if err := p.store.IncrementLastExecutedStep(ctx, run.ID); err != nil {
		return err
	}

	if run.LastExecutedStep+1 >= len(run.StepRuns) {
		return p.store.UpdateRunStatus(ctx, run.ID, store.RunStatusUpdate{
			Status: schema.StatusCompleted, FinalStatus: &final,
		})
	}
	return p.store.UpdateRunStatus(ctx, run.ID, store.RunStatusUpdate{
		Status: schema.StatusWaiting,
	})
}

func (p *Propagator) markFailed(ctx context.Context, run *store.PipelineRun, stepRun *store.PipelineStepRun) error {
	final := schema.StatusError
	if err := p.store.UpdateStepRunStatus(ctx, stepRun.ID, store.StepRunStatusUpdate{
		Status: schema.StatusError, FinalStatus: &final,
	}); err != nil {
		return err
	}
	_ = p.store.AppendStepRunLog(ctx, &store.StepRunLog{
		StepRunID: stepRun.ID,
		Level:     "error",
		Message:   "workflow " + stepRun.WorkflowID + " reported ERROR",
	})
	return p.store.UpdateRunStatus(ctx, run.ID, store.RunStatusUpdate{
		Status: schema.StatusError, FinalStatus: &final,
	})
}

func (p *Propagator) markOther(ctx context.Context, run *store.PipelineRun, stepRun *store.PipelineStepRun, jobStatus schema.Status) error {
	if !jobStatus.Valid() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"unknown job status %q", string(jobStatus)).WithStepRun(stepRun.ID)
	}
	update := store.StepRunStatusUpdate{Status: jobStatus}
	if jobStatus.Terminal() {
		update.FinalStatus = &jobStatus
	}
	return p.store.UpdateStepRunStatus(ctx, stepRun.ID, update)
}

// Recover re-propagates step runs whose backend job settled while the
// scheduler was down: any WAITING or RUNNING step run whose latest job is
// already terminal gets the job's status applied now.
func (p *Propagator) Recover(ctx context.Context) error {
	var firstErr error
	for _, status := range []schema.Status{schema.StatusWaiting, schema.StatusRunning} {
		stepRuns, err := p.store.ListStepRunsByStatus(ctx, string(status))
		if err != nil {
			return err
		}
		for _, sr := range stepRuns {
			job, err := p.store.LatestJobForStepRun(ctx, sr.ID)
			if schema.CodeOf(err) == schema.ErrCodeNotFound {
				continue
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !job.Status.Terminal() {
				continue
			}
			p.logger.Info("recovering settled step run",
				"step_run_id", sr.ID,
				"job_id", job.ID,
				"job_status", string(job.Status))
			if err := p.Apply(ctx, sr.ID, job.Status); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
