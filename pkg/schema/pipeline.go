package schema

import (
	"encoding/json"
	"time"
)

// ExecutionWindow is the pipeline-level frequency that bounds each run's
// [start, finish] temporal window.
type ExecutionWindow string

const (
	WindowDaily   ExecutionWindow = "daily"
	WindowWeekly  ExecutionWindow = "weekly"
	WindowMonthly ExecutionWindow = "monthly"
)

// Frequency is the step-level scheduling frequency.
type Frequency string

const (
	FreqOnce        Frequency = "once"
	FreqDaily       Frequency = "daily"
	FreqMonthly     Frequency = "monthly"
	FreqImmediately Frequency = "immediately"
)

// ScheduleSpec is the parsed form of a step's scheduling descriptor.
// startDateTime carries minute precision; intervalWeeks and weekDays are
// declared on the wire but reserved — the matcher never fires on them.
type ScheduleSpec struct {
	ExecuteImmediately bool      `json:"executeImmediately"`
	Frequency          Frequency `json:"frequency"`
	StartDateTime      string    `json:"startDateTime"`
	IntervalDays       *int      `json:"intervalDays,omitempty"`
	IntervalWeeks      *int      `json:"intervalWeeks,omitempty"`
	WeekDays           []string  `json:"weekDays,omitempty"`
	Months             []string  `json:"months,omitempty"`
	Days               []string  `json:"days,omitempty"`
}

// PipelineStep is one ordered step of a pipeline definition.
// Scheduling holds the raw descriptor as returned by the catalogue; Spec is
// populated by validation and is what the matcher operates on.
type PipelineStep struct {
	ID         string          `json:"id"`
	Order      int             `json:"order"`
	Enabled    bool            `json:"enabled"`
	WorkflowID string          `json:"workflow_id"`
	Scheduling json.RawMessage `json:"scheduling"`
	Workflow   json.RawMessage `json:"workflow,omitempty"`

	Spec *ScheduleSpec `json:"-"`
}

// Pipeline is a read-only definition snapshot owned by the catalogue.
// The scheduler holds pipelines by value per reconciliation tick.
type Pipeline struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	ExecutionWindow ExecutionWindow `json:"execution_window"`
	ClusterID       string          `json:"cluster_id,omitempty"`
	UpdatedAt       time.Time       `json:"updated"`
	Steps           []PipelineStep  `json:"steps"`
}

// Step returns the step with the given order, or nil when out of range.
// Steps are contiguous from 1..N, so order maps directly onto the slice.
func (p *Pipeline) Step(order int) *PipelineStep {
	if order < 1 || order > len(p.Steps) {
		return nil
	}
	return &p.Steps[order-1]
}

// Cluster describes the execution cluster embedded in dispatch messages.
type Cluster struct {
	ID                string         `json:"id"`
	Address           string         `json:"address"`
	Executors         int            `json:"executors"`
	ExecutorCores     int            `json:"executor_cores"`
	ExecutorMemory    string         `json:"executor_memory"`
	GeneralParameters map[string]any `json:"general_parameters,omitempty"`
}

// AppConfigs carries execution-side configuration in dispatch messages.
type AppConfigs struct {
	Locale  string `json:"locale"`
	Persist bool   `json:"persist"`
}
