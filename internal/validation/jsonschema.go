package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipetick/pipetick/pkg/schema"
)

// scheduleSchemaJSON is the JSON Schema for scheduling descriptors.
// Embedded as a constant to avoid filesystem dependencies. intervalWeeks and
// weekDays are accepted on the wire but reserved: range-checked, never fired on.
const scheduleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipetick.dev/schemas/schedule.json",
  "type": "object",
  "required": ["frequency", "startDateTime"],
  "properties": {
    "executeImmediately": { "type": "boolean" },
    "frequency": {
      "type": "string",
      "enum": ["once", "daily", "monthly", "immediately"]
    },
    "startDateTime": {
      "type": "string",
      "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}(:[0-9]{2})?$"
    },
    "intervalDays": {
      "type": ["integer", "null"],
      "minimum": 1
    },
    "intervalWeeks": {
      "type": ["integer", "null"],
      "minimum": 1
    },
    "weekDays": {
      "type": "array",
      "items": { "type": "string", "pattern": "^[0-6]$" }
    },
    "months": {
      "type": "array",
      "items": { "type": "string", "pattern": "^([1-9]|1[0-2])$" }
    },
    "days": {
      "type": "array",
      "items": { "type": "string", "pattern": "^([1-9]|[12][0-9]|3[01])$" }
    }
  },
  "additionalProperties": false
}`

// ScheduleValidator validates raw scheduling descriptors against the schedule
// JSON Schema. It is safe for concurrent use once constructed.
type ScheduleValidator struct {
	scheduleSchema *jsonschema.Schema
}

// NewScheduleValidator compiles the embedded schedule schema.
func NewScheduleValidator() (*ScheduleValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scheduleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schedule schema: %w", err)
	}
	if err := c.AddResource("https://pipetick.dev/schemas/schedule.json", doc); err != nil {
		return nil, fmt.Errorf("add schedule schema resource: %w", err)
	}
	compiled, err := c.Compile("https://pipetick.dev/schemas/schedule.json")
	if err != nil {
		return nil, fmt.Errorf("compile schedule schema: %w", err)
	}
	return &ScheduleValidator{scheduleSchema: compiled}, nil
}

// ValidateDescriptor validates one raw scheduling descriptor.
func (v *ScheduleValidator) ValidateDescriptor(raw []byte) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "scheduling descriptor is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "scheduling descriptor is not valid JSON").WithCause(err)
	}
	if err := v.scheduleSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// toSchemaError converts a jsonschema.ValidationError into a structured Error
// listing each leaf violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
