package reconcile

import (
	"fmt"
	"time"

	"github.com/pipetick/pipetick/pkg/schema"
)

// Kind discriminates command variants. The executor pattern-matches on it;
// commands are plain tagged records, not behaviour-carrying objects.
type Kind string

const (
	KindCreateRun           Kind = "create_pipeline_run"
	KindUpdateRunStatus     Kind = "update_pipeline_run_status"
	KindUpdateRunInfo       Kind = "update_pipeline_info"
	KindTriggerWorkflow     Kind = "trigger_workflow"
	KindUpdateStepRunStatus Kind = "update_pipeline_step_run_status"
	KindIncrementStep       Kind = "increment_last_executed_step"
)

// Command is one unit of reconciliation output. Which fields are meaningful
// depends on Kind:
//
//	KindCreateRun:           Pipeline
//	KindUpdateRunStatus:     RunID, Status, FinalStatus
//	KindUpdateRunInfo:       RunID, UpdatedAt
//	KindTriggerWorkflow:     Pipeline, RunID, StepRunID, StepOrder
//	KindUpdateStepRunStatus: StepRunID, Status, FinalStatus
//	KindIncrementStep:       RunID
type Command struct {
	Kind Kind

	Pipeline    *schema.Pipeline
	RunID       string
	StepRunID   string
	StepOrder   int
	Status      schema.Status
	FinalStatus *schema.Status
	UpdatedAt   time.Time
}

// PipelineID returns the pipeline the command belongs to, used for ordering
// and per-pipeline failure isolation.
func (c *Command) PipelineID() string {
	if c.Pipeline != nil {
		return c.Pipeline.ID
	}
	return ""
}

func (c *Command) String() string {
	switch c.Kind {
	case KindCreateRun:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Pipeline.ID)
	case KindUpdateRunStatus:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.RunID, c.Status)
	case KindUpdateRunInfo:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.RunID, c.UpdatedAt.Format(time.RFC3339))
	case KindTriggerWorkflow:
		return fmt.Sprintf("%s(%s, step %d)", c.Kind, c.StepRunID, c.StepOrder)
	case KindUpdateStepRunStatus:
		return fmt.Sprintf("%s(%s, %s)", c.Kind, c.StepRunID, c.Status)
	case KindIncrementStep:
		return fmt.Sprintf("%s(%s)", c.Kind, c.RunID)
	default:
		return string(c.Kind)
	}
}
