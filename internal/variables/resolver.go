package variables

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pipetick/pipetick/internal/store"
	"github.com/pipetick/pipetick/pkg/schema"
)

// Scope holds the data available for ${{...}} resolution in workflow payloads.
// Every entry is exposed to the engines under its namespace.
type Scope struct {
	Pipeline map[string]any
	Run      map[string]any
	Step     map[string]any
}

// NewScope builds the resolution scope for one step dispatch. The synthetic
// run.ref value is the window start formatted as a date, which is what most
// workflow payloads want as their reference day.
func NewScope(p *schema.Pipeline, run *store.PipelineRun, stepRun *store.PipelineStepRun) *Scope {
	scope := &Scope{
		Pipeline: map[string]any{
			"id":   p.ID,
			"name": p.Name,
		},
		Run: map[string]any{
			"id":     run.ID,
			"start":  run.Start.UTC().Format(time.RFC3339),
			"finish": run.Finish.UTC().Format(time.RFC3339),
			"ref":    run.Start.UTC().Format("2006-01-02"),
		},
	}
	if stepRun != nil {
		scope.Step = map[string]any{
			"id":          stepRun.ID,
			"order":       stepRun.Order,
			"workflow_id": stepRun.WorkflowID,
			"retries":     stepRun.Retries,
		}
	}
	return scope
}

func (s *Scope) data() map[string]any {
	data := map[string]any{
		"pipeline": s.Pipeline,
		"run":      s.Run,
		"step":     s.Step,
	}
	for _, ns := range scopeNamespaces {
		if data[ns] == nil {
			data[ns] = map[string]any{}
		}
	}
	return data
}

// Resolver replaces ${{...}} references in raw workflow JSON with values from
// the scope. Plain dotted paths are traversed directly; anything else is
// handed to the expression engines.
type Resolver struct {
	engines *Engines
}

// NewResolver creates a Resolver backed by the given engine set.
func NewResolver(engines *Engines) *Resolver {
	return &Resolver{engines: engines}
}

// Resolve scans raw for ${{...}} tokens and replaces each with its resolved
// value. Unclosed, empty, or nested tokens are rejected.
func (r *Resolver) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !strings.Contains(string(raw), "${{") {
		return raw, nil
	}

	input := string(raw)
	data := scope.data()

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		token := strings.TrimSpace(input[start:end])
		if token == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{ }}")
		}
		if strings.Contains(token, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := r.resolveToken(ctx, token, data)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return json.RawMessage(result.String()), nil
}

// resolveToken resolves one token body. Plain namespace paths bypass the
// engines so lookups stay cheap and error messages stay precise.
func (r *Resolver) resolveToken(ctx context.Context, token string, data map[string]any) (any, error) {
	if path, ok := plainPath(token); ok {
		return traversePath(data, path, token)
	}
	return r.engines.Evaluate(ctx, token, data)
}

// plainPath reports whether the token is a bare dotted reference into one of
// the scope namespaces, like run.start or pipeline.id.
func plainPath(token string) ([]string, bool) {
	for _, c := range token {
		if !(c == '.' || c == '_' || c == '-' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return nil, false
		}
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, false
	}
	for _, ns := range scopeNamespaces {
		if parts[0] == ns {
			return parts, true
		}
	}
	return nil, false
}

// traversePath navigates into nested maps using the pre-split path segments.
func traversePath(root map[string]any, segments []string, token string) (any, error) {
	var current any = root
	for _, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in ${{%s}}", token)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in ${{%s}}", seg, token).
				WithDetails(map[string]any{"expression": token})
		}
		val, ok := m[seg]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in ${{%s}}", seg, token).
				WithDetails(map[string]any{"expression": token})
		}
		current = val
	}
	return current, nil
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded as-is so references inside larger strings compose.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasReferences reports whether a JSON blob contains any ${{...}} tokens.
func HasReferences(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
