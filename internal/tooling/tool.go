// Package tooling implements tool definition and execution: JSON-schema
// argument validation, scalar coercion for string-typed arguments, parallel
// dispatch with call-order results, and output truncation.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/verdict/internal/model"
)

// ToolFunc executes one tool call. A returned *model.ToolCallError is
// surfaced to the model as a recoverable tool failure; any other error
// aborts the sample.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  model.ToolParams

	// Parallel marks the tool safe for concurrent dispatch. Any false
	// tool in a batch forces the whole batch sequential.
	Parallel bool

	// Timeout bounds one execution. Zero means no per-tool deadline.
	Timeout time.Duration

	// ModelInput optionally rewrites this tool's historical result
	// messages before each provider call.
	ModelInput model.ToolModelInput

	Fn ToolFunc
}

// Info returns the tool description sent to the model.
func (t Tool) Info() model.ToolInfo {
	return model.ToolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// ValidateArgs checks args against the tool's JSON schema. Violations come
// back as a parsing-typed ToolCallError so the model can correct itself.
func (t Tool) ValidateArgs(args map[string]any) error {
	if t.Parameters.Type == "" {
		return nil
	}
	schemaJSON, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal tool schema: %w", err)
	}
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msg := fmt.Sprintf("invalid arguments for tool %s:", t.Name)
		for _, verr := range result.Errors() {
			msg += "\n  " + verr.String()
		}
		return &model.ToolCallError{Type: model.ToolErrParsing, Message: msg}
	}
	return nil
}

// CoerceArgs converts string-typed scalars to the schema's declared type.
// Providers sometimes emit numbers and booleans as strings; coercion runs
// before validation so "5" satisfies an integer parameter.
func (t Tool) CoerceArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
		param, ok := t.Parameters.Properties[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch param.Type {
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				out[k] = n
			}
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[k] = f
			}
		case "boolean":
			if b, err := strconv.ParseBool(s); err == nil {
				out[k] = b
			}
		}
	}
	return out
}

// Registry maps tool names to definitions.
type Registry map[string]Tool

// Register adds a tool, replacing any existing definition of the same name.
func (r Registry) Register(t Tool) { r[t.Name] = t }

// Infos returns the model-facing descriptions of all tools, sorted by name
// for a stable wire order.
func (r Registry) Infos() []model.ToolInfo {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]model.ToolInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, r[name].Info())
	}
	return infos
}

// ModelInputs returns the per-tool history transforms keyed by name.
func (r Registry) ModelInputs() map[string]model.ToolModelInput {
	out := map[string]model.ToolModelInput{}
	for name, t := range r {
		if t.ModelInput != nil {
			out[name] = t.ModelInput
		}
	}
	return out
}
