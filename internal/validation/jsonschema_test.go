package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipetick/pipetick/pkg/schema"
)

func newValidator(t *testing.T) *ScheduleValidator {
	t.Helper()
	v, err := NewScheduleValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDescriptor(t *testing.T) {
	v := newValidator(t)

	valid := [][]byte{
		[]byte(`{"frequency":"once","startDateTime":"2024-04-24T11:00"}`),
		[]byte(`{"frequency":"daily","startDateTime":"2024-04-24T11:00:00","intervalDays":4}`),
		[]byte(`{"executeImmediately":true,"frequency":"immediately","startDateTime":"2024-01-01T00:00"}`),
		[]byte(`{"frequency":"monthly","startDateTime":"2024-01-01T08:30","months":["1","12"],"days":["31"]}`),
		[]byte(`{"frequency":"daily","startDateTime":"2024-01-01T08:30","intervalDays":null,"weekDays":["0","6"],"intervalWeeks":2}`),
	}
	for _, raw := range valid {
		assert.NoError(t, v.ValidateDescriptor(raw), "descriptor %s", raw)
	}

	invalid := [][]byte{
		nil,
		[]byte(`{`),
		[]byte(`{"frequency":"hourly","startDateTime":"2024-04-24T11:00"}`),
		[]byte(`{"frequency":"daily"}`),
		[]byte(`{"frequency":"daily","startDateTime":"24-04-2024 11:00"}`),
		[]byte(`{"frequency":"daily","startDateTime":"2024-04-24T11:00","intervalDays":0}`),
		[]byte(`{"frequency":"monthly","startDateTime":"2024-01-01T08:30","months":["13"]}`),
		[]byte(`{"frequency":"monthly","startDateTime":"2024-01-01T08:30","days":["32"]}`),
		[]byte(`{"frequency":"once","startDateTime":"2024-04-24T11:00","unknown":true}`),
	}
	for _, raw := range invalid {
		err := v.ValidateDescriptor(raw)
		require.Error(t, err, "descriptor %s", raw)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	}
}

func testPipeline(orders ...int) *schema.Pipeline {
	p := &schema.Pipeline{ID: "pl-1", Name: "ingest", Enabled: true, ExecutionWindow: schema.WindowDaily}
	for _, o := range orders {
		p.Steps = append(p.Steps, schema.PipelineStep{
			ID:         "st-" + string(rune('0'+o)),
			Order:      o,
			Enabled:    true,
			WorkflowID: "wf-" + string(rune('0'+o)),
			Scheduling: json.RawMessage(`{"frequency":"once","startDateTime":"2024-04-24T11:00"}`),
		})
	}
	return p
}

func TestPreparePipeline(t *testing.T) {
	v := newValidator(t)

	p := testPipeline(1, 2, 3)
	require.NoError(t, v.PreparePipeline(p))
	for _, step := range p.Steps {
		require.NotNil(t, step.Spec)
		assert.Equal(t, schema.FreqOnce, step.Spec.Frequency)
	}
}

func TestPreparePipelineRejectsGaps(t *testing.T) {
	v := newValidator(t)

	err := v.PreparePipeline(testPipeline(1, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")

	err = v.PreparePipeline(testPipeline(2, 3))
	require.Error(t, err)

	err = v.PreparePipeline(testPipeline())
	require.Error(t, err)
}

func TestPreparePipelineRejectsMissingWorkflow(t *testing.T) {
	v := newValidator(t)

	p := testPipeline(1, 2)
	p.Steps[1].WorkflowID = ""
	err := v.PreparePipeline(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow id")
}

func TestPreparePipelineRejectsBadDescriptor(t *testing.T) {
	v := newValidator(t)

	p := testPipeline(1, 2)
	p.Steps[0].Scheduling = json.RawMessage(`{"frequency":"hourly","startDateTime":"2024-04-24T11:00"}`)
	err := v.PreparePipeline(p)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
