// Package executor applies reconciliation commands against the run store and
// the dispatch queue. Commands are applied in emission order; each command is
// independent and a failure does not abort the rest of the batch.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipetick/pipetick/internal/dispatch"
	"github.com/pipetick/pipetick/internal/reconcile"
	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/internal/variables"
	"github.com/pipetick/pipetick/internal/window"
	"github.com/pipetick/pipetick/pkg/schema"
)

// ClusterSource looks up cluster definitions for dispatch messages.
// The catalogue client satisfies this.
type ClusterSource interface {
	Cluster(ctx context.Context, id string) (*schema.Cluster, error)
}

// Config wires the executor's collaborators.
type Config struct {
	Store     store.Store
	Publisher dispatch.Publisher
	Resolver  *variables.Resolver
	Clusters  ClusterSource

	// DefaultCluster is used when a pipeline names no cluster or the source
	// cannot resolve one.
	DefaultCluster *schema.Cluster
	AppConfigs     schema.AppConfigs

	// StoreTimeout bounds each store write. Zero means no extra deadline.
	StoreTimeout time.Duration

	Logger *slog.Logger
}

// Executor applies commands. Idempotent where the store semantics allow:
// re-applying a command yields the same store state.
type Executor struct {
	store          store.Store
	publisher      dispatch.Publisher
	resolver       *variables.Resolver
	clusters       ClusterSource
	defaultCluster *schema.Cluster
	appConfigs     schema.AppConfigs
	storeTimeout   time.Duration
	logger         *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		resolver:       cfg.Resolver,
		clusters:       cfg.Clusters,
		defaultCluster: cfg.DefaultCluster,
		appConfigs:     cfg.AppConfigs,
		storeTimeout:   cfg.StoreTimeout,
		logger:         logger,
	}
}

// ApplyAll applies commands in order, isolating failures: a failed command is
// logged and skipped, later commands still run. Returns the first error.
func (e *Executor) ApplyAll(ctx context.Context, cmds []*reconcile.Command, now time.Time) error {
	var firstErr error
	for _, cmd := range cmds {
		if err := e.Apply(ctx, cmd, now); err != nil {
			e.logger.Error("command failed",
				"command", cmd.String(),
				"pipeline_id", cmd.PipelineID(),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Apply executes a single command.
func (e *Executor) Apply(ctx context.Context, cmd *reconcile.Command, now time.Time) error {
	ctx, cancel := e.withStoreDeadline(ctx)
	defer cancel()

	switch cmd.Kind {
	case reconcile.KindCreateRun:
		return e.createRun(ctx, cmd.Pipeline, now)
	case reconcile.KindUpdateRunStatus:
		return e.store.UpdateRunStatus(ctx, cmd.RunID, store.RunStatusUpdate{
			Status: cmd.Status, FinalStatus: cmd.FinalStatus,
		})
	case reconcile.KindUpdateRunInfo:
		return e.store.UpdateRunInfo(ctx, cmd.RunID, store.RunInfoUpdate{UpdatedAt: cmd.UpdatedAt})
	case reconcile.KindTriggerWorkflow:
		return e.triggerWorkflow(ctx, cmd)
	case reconcile.KindUpdateStepRunStatus:
		return e.store.UpdateStepRunStatus(ctx, cmd.StepRunID, store.StepRunStatusUpdate{
			Status: cmd.Status, FinalStatus: cmd.FinalStatus,
		})
	case reconcile.KindIncrementStep:
		return e.store.IncrementLastExecutedStep(ctx, cmd.RunID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown command kind %q", string(cmd.Kind))
	}
}

func (e *Executor) withStoreDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

// createRun opens a new window for the pipeline: a WAITING run plus one
// PENDING step run per step. A CONFLICTING_WINDOW from the store means a
// non-terminal run already covers this window; that is a no-op success.
func (e *Executor) createRun(ctx context.Context, p *schema.Pipeline, now time.Time) error {
	start, finish, err := window.Compute(p.ExecutionWindow, now)
	if err != nil {
		return err
	}

	run := &store.PipelineRun{
		ID:           uuid.NewString(),
		PipelineID:   p.ID,
		PipelineName: p.Name,
		Start:        start,
		Finish:       finish,
		Status:       schema.StatusWaiting,
		UpdatedAt:    p.UpdatedAt,
	}
	stepRuns := make([]*store.PipelineStepRun, 0, len(p.Steps))
	for _, step := range p.Steps {
		stepRuns = append(stepRuns, &store.PipelineStepRun{
			ID:            uuid.NewString(),
			PipelineRunID: run.ID,
			Order:         step.Order,
			WorkflowID:    step.WorkflowID,
			Status:        schema.StatusPending,
		})
	}

	err = e.store.CreateRun(ctx, run, stepRuns)
	if schema.CodeOf(err) == schema.ErrCodeConflictingWindow {
		e.logger.Debug("window already open",
			"pipeline_id", p.ID,
			"start", start, "finish", finish)
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("pipeline run created",
		"pipeline_id", p.ID,
		"run_id", run.ID,
		"start", start, "finish", finish,
		"steps", len(stepRuns))
	return nil
}

// triggerWorkflow publishes an execute message for the step and moves the
// step run to WAITING. Idempotent by step run id: a step run that already
// left PENDING is not re-dispatched.
func (e *Executor) triggerWorkflow(ctx context.Context, cmd *reconcile.Command) error {
	stepRun, err := e.store.GetStepRun(ctx, cmd.StepRunID)
	if err != nil {
		return err
	}
	if stepRun.Status != schema.StatusPending {
		e.logger.Debug("step run already dispatched",
			"step_run_id", stepRun.ID,
			"status", string(stepRun.Status))
		return nil
	}

	run, err := e.store.GetRun(ctx, stepRun.PipelineRunID)
	if err != nil {
		return err
	}

	p := cmd.Pipeline
	step := p.Step(stepRun.Order)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"pipeline %q has no step with order %d", p.ID, stepRun.Order).
			WithStepRun(stepRun.ID)
	}

	workflow := step.Workflow
	if e.resolver != nil && variables.HasReferences(workflow) {
		scope := variables.NewScope(p, run, stepRun)
		workflow, err = e.resolver.Resolve(ctx, workflow, scope)
		if err != nil {
			e.logFailure(ctx, stepRun.ID, "variable resolution failed: "+err.Error())
			return err
		}
	}

	msg := &dispatch.Message{
		Type:          dispatch.TypeExecute,
		WorkflowID:    stepRun.WorkflowID,
		PipelineRunID: run.ID,
		StepRunID:     stepRun.ID,
		Cluster:       e.resolveCluster(ctx, p),
		AppConfigs:    &e.appConfigs,
		Workflow:      workflow,
	}
	if err := e.publisher.Publish(ctx, msg); err != nil {
		e.logFailure(ctx, stepRun.ID, "dispatch failed: "+err.Error())
		return err
	}

	if err := e.store.UpdateStepRunStatus(ctx, stepRun.ID, store.StepRunStatusUpdate{
		Status: schema.StatusWaiting,
	}); err != nil {
		return err
	}
	_ = e.store.AppendStepRunLog(ctx, &store.StepRunLog{
		StepRunID: stepRun.ID,
		Level:     "info",
		Message:   "workflow " + stepRun.WorkflowID + " dispatched",
	})

	e.logger.Info("workflow triggered",
		"pipeline_id", p.ID,
		"run_id", run.ID,
		"step_run_id", stepRun.ID,
		"workflow_id", stepRun.WorkflowID,
		"step_order", stepRun.Order)
	return nil
}

// TerminateStepRun publishes a terminate message for a step run's workflow
// and marks the step run CANCELED.
func (e *Executor) TerminateStepRun(ctx context.Context, stepRunID string) error {
	ctx, cancel := e.withStoreDeadline(ctx)
	defer cancel()

	stepRun, err := e.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	if stepRun.Status.Terminal() {
		return nil
	}

	msg := &dispatch.Message{
		Type:          dispatch.TypeTerminate,
		WorkflowID:    stepRun.WorkflowID,
		PipelineRunID: stepRun.PipelineRunID,
		StepRunID:     stepRun.ID,
	}
	if err := e.publisher.Publish(ctx, msg); err != nil {
		return err
	}

	final := schema.StatusCanceled
	if err := e.store.UpdateStepRunStatus(ctx, stepRun.ID, store.StepRunStatusUpdate{
		Status: schema.StatusCanceled, FinalStatus: &final,
	}); err != nil {
		return err
	}
	_ = e.store.AppendStepRunLog(ctx, &store.StepRunLog{
		StepRunID: stepRun.ID,
		Level:     "warn",
		Message:   "workflow " + stepRun.WorkflowID + " terminated",
	})
	return nil
}

func (e *Executor) resolveCluster(ctx context.Context, p *schema.Pipeline) *schema.Cluster {
	if p.ClusterID != "" && e.clusters != nil {
		cluster, err := e.clusters.Cluster(ctx, p.ClusterID)
		if err == nil {
			return cluster
		}
		e.logger.Warn("cluster lookup failed, using default",
			"pipeline_id", p.ID,
			"cluster_id", p.ClusterID,
			"error", err)
	}
	return e.defaultCluster
}

func (e *Executor) logFailure(ctx context.Context, stepRunID, message string) {
	_ = e.store.AppendStepRunLog(ctx, &store.StepRunLog{
		StepRunID: stepRunID,
		Level:     "error",
		Message:   message,
	})
}
