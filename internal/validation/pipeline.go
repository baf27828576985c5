package validation

import (
	"github.com/pipetick/pipetick/internal/schedule"
	"github.com/pipetick/pipetick/pkg/schema"
)

// PreparePipeline validates a pipeline definition for scheduling and fills in
// each step's parsed ScheduleSpec. A pipeline with any step lacking a valid
// descriptor is rejected as a whole: partial scheduling of an ordered
// sequence is worse than none.
//
// Checks:
//   - at least one step, orders contiguous from 1..N
//   - every step carries a workflow id
//   - every descriptor validates under the schedule JSON Schema, parses, and
//     has a parseable startDateTime
func (v *ScheduleValidator) PreparePipeline(p *schema.Pipeline) error {
	if len(p.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pipeline %q has no steps", p.ID)
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Order != i+1 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"pipeline %q: step orders not contiguous: want %d at position %d, got %d",
				p.ID, i+1, i, step.Order)
		}
		if step.WorkflowID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"pipeline %q: step %d has no workflow id", p.ID, step.Order)
		}
		if err := v.ValidateDescriptor(step.Scheduling); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"pipeline %q: step %d: %s", p.ID, step.Order, err.Error()).WithCause(err)
		}
		spec, err := schedule.Parse(step.Scheduling)
		if err != nil {
			return err
		}
		if !spec.ExecuteImmediately {
			if _, err := schedule.StartAt(spec); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"pipeline %q: step %d: %s", p.ID, step.Order, err.Error()).WithCause(err)
			}
		}
		step.Spec = spec
	}
	return nil
}
