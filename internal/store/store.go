package store

import "context"

// Store is the persistence contract for the run store.
// All implementations must be safe for concurrent use. The store is the
// single source of truth; no in-memory caches survive a tick.
type Store interface {
	// Pipeline runs
	CreateRun(ctx context.Context, run *PipelineRun, stepRuns []*PipelineStepRun) error
	GetRun(ctx context.Context, id string) (*PipelineRun, error)
	LatestRuns(ctx context.Context, pipelineIDs []string) ([]*PipelineRun, error)
	UpdateRunStatus(ctx context.Context, id string, update RunStatusUpdate) error
	UpdateRunInfo(ctx context.Context, id string, update RunInfoUpdate) error
	IncrementLastExecutedStep(ctx context.Context, id string) error

	// Step runs
	GetStepRun(ctx context.Context, id string) (*PipelineStepRun, error)
	UpdateStepRunStatus(ctx context.Context, id string, update StepRunStatusUpdate) error
	ListStepRunsByStatus(ctx context.Context, status string) ([]*PipelineStepRun, error)

	// Step run logs (append-only)
	AppendStepRunLog(ctx context.Context, log *StepRunLog) error
	ListStepRunLogs(ctx context.Context, stepRunID string) ([]*StepRunLog, error)

	// Jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJobStatus(ctx context.Context, id string, update JobStatusUpdate) error
	LatestJobForStepRun(ctx context.Context, stepRunID string) (*Job, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
