package store

import (
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

// PipelineRun is one temporal window of execution for a pipeline, bounded
// [Start, Finish]. It exclusively owns its step run set.
type PipelineRun struct {
	ID               string         `json:"id"`
	PipelineID       string         `json:"pipeline_id"`
	PipelineName     string         `json:"pipeline_name"`
	Start            time.Time      `json:"start"`
	Finish           time.Time      `json:"finish"`
	Status           schema.Status  `json:"status"`
	FinalStatus      *schema.Status `json:"final_status,omitempty"`
	LastExecutedStep int            `json:"last_executed_step"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	StepRuns []*PipelineStepRun `json:"steps,omitempty"`
}

// ActiveStepRun returns the step run in the active slot
// (order == last_executed_step + 1), or nil if the run is exhausted.
func (r *PipelineRun) ActiveStepRun() *PipelineStepRun {
	k := r.LastExecutedStep + 1
	if k < 1 || k > len(r.StepRuns) {
		return nil
	}
	return r.StepRuns[k-1]
}

// PipelineStepRun is the execution record of one step within a pipeline run.
// Jobs reference it by id only; there is no back-pointer to jobs in memory.
type PipelineStepRun struct {
	ID            string         `json:"id"`
	PipelineRunID string         `json:"pipeline_run_id"`
	Order         int            `json:"order"`
	WorkflowID    string         `json:"workflow_id"`
	Status        schema.Status  `json:"status"`
	FinalStatus   *schema.Status `json:"final_status,omitempty"`
	Retries       int            `json:"retries"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepRunLog is an append-only log row attached to a step run.
type StepRunLog struct {
	ID        int64     `json:"id"`
	StepRunID string    `json:"step_run_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is a backend execution attached to at most one step run. Its terminal
// status propagates into the owning step run exactly once.
type Job struct {
	ID         string        `json:"id"`
	StepRunID  string        `json:"pipeline_step_run_id,omitempty"`
	WorkflowID string        `json:"workflow_id"`
	Status     schema.Status `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// --- Update types ---

// RunStatusUpdate is a CAS-style status write: it only applies while the
// run's current status is non-terminal.
type RunStatusUpdate struct {
	Status      schema.Status  `json:"status"`
	FinalStatus *schema.Status `json:"final_status,omitempty"`
}

// RunInfoUpdate refreshes a run against a newer pipeline definition. The
// status is forced back to PENDING to signal that step-run materialisation
// may be needed.
type RunInfoUpdate struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// StepRunStatusUpdate is a direct step-run state write. Terminal statuses
// also refresh updated_at.
type StepRunStatusUpdate struct {
	Status      schema.Status  `json:"status"`
	FinalStatus *schema.Status `json:"final_status,omitempty"`
}

// JobStatusUpdate moves a job through its lifecycle.
type JobStatusUpdate struct {
	Status     schema.Status `json:"status"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}
