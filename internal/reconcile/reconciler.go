package reconcile

import (
	"sort"
	"time"

	"github.com/pipetick/pipetick/internal/schedule"
	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

// Snapshot is the reconciler's input: the pipeline catalogue slice and the
// latest run per pipeline. The reconciler never reads the store or the
// dispatch queue directly; everything it needs is here.
type Snapshot struct {
	Pipelines  map[string]*schema.Pipeline
	LatestRuns []*store.PipelineRun
}

// Reconcile compares the snapshot against now and emits the command list.
// Deterministic: the same (snapshot, now) always produces the same output.
//
// Emission order is closures first, then creations, then info updates, then
// triggers. Within a category, pipeline_id ascending then step order
// ascending.
func Reconcile(snap *Snapshot, now time.Time) []*Command {
	now = now.UTC()

	runsByPipeline := make(map[string]*store.PipelineRun, len(snap.LatestRuns))
	for _, r := range snap.LatestRuns {
		runsByPipeline[r.PipelineID] = r
	}

	ids := make([]string, 0, len(snap.Pipelines))
	for id := range snap.Pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var closures, creations, infos, triggers []*Command

	for _, id := range ids {
		p := snap.Pipelines[id]

		r, ok := runsByPipeline[id]
		if !ok {
			creations = append(creations, &Command{Kind: KindCreateRun, Pipeline: p})
			continue
		}

		switch {
		case r.Finish.UTC().Before(now):
			// Expired window: close the old run and open a new one. A run
			// that finished all its steps closes COMPLETED; anything else
			// closes PENDING for operator visibility.
			if r.LastExecutedStep == len(r.StepRuns) {
				final := schema.StatusCompleted
				closures = append(closures, &Command{
					Kind: KindUpdateRunStatus, Pipeline: p, RunID: r.ID,
					Status: schema.StatusCompleted, FinalStatus: &final,
				})
			} else {
				closures = append(closures, &Command{
					Kind: KindUpdateRunStatus, Pipeline: p, RunID: r.ID,
					Status: schema.StatusPending,
				})
			}
			creations = append(creations, &Command{Kind: KindCreateRun, Pipeline: p})

		case r.UpdatedAt.Before(p.UpdatedAt):
			// Window still valid but the definition changed underneath it.
			infos = append(infos, &Command{
				Kind: KindUpdateRunInfo, Pipeline: p, RunID: r.ID, UpdatedAt: p.UpdatedAt,
			})
			fallthrough

		default:
			for _, cmd := range Dispatch(p, r, now) {
				if cmd.Kind == KindUpdateRunStatus {
					closures = append(closures, cmd)
				} else {
					triggers = append(triggers, cmd)
				}
			}
		}
	}

	out := make([]*Command, 0, len(closures)+len(creations)+len(infos)+len(triggers))
	out = append(out, closures...)
	out = append(out, creations...)
	out = append(out, infos...)
	out = append(out, triggers...)
	return out
}

// Dispatch decides whether a step of a non-terminal run should fire at now.
// Only the active slot (order == last_executed_step + 1) can trigger; a time
// match on an earlier-ordered step demotes the run to PENDING so operators
// can see the out-of-order schedule.
func Dispatch(p *schema.Pipeline, r *store.PipelineRun, now time.Time) []*Command {
	if r.Status.Terminal() {
		return nil
	}
	now = now.UTC()

	k := r.LastExecutedStep + 1
	if k > len(p.Steps) || k > len(r.StepRuns) {
		return nil
	}
	step := p.Step(k)
	stepRun := r.StepRuns[k-1]

	if schedule.IsImmediate(step.Spec) || schedule.Matches(step.Spec, now) {
		return []*Command{{
			Kind: KindTriggerWorkflow, Pipeline: p, RunID: r.ID,
			StepRunID: stepRun.ID, StepOrder: stepRun.Order,
		}}
	}

	for order := 1; order < k; order++ {
		if schedule.Matches(p.Step(order).Spec, now) {
			return []*Command{{
				Kind: KindUpdateRunStatus, Pipeline: p, RunID: r.ID,
				Status: schema.StatusPending,
			}}
		}
	}
	return nil
}
