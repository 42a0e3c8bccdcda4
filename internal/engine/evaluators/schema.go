package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// SchemaEvaluator validates tool arguments against the parameter schema of
// the tool's catalog entry. Calls to tools outside the catalog pass.
type SchemaEvaluator struct {
	compiled sync.Map // tool name → *compiledSchema
}

type compiledSchema struct {
	tool   *toolinfo.ToolInfo
	schema *jsonschema.Schema
}

func NewSchemaEvaluator() *SchemaEvaluator {
	return &SchemaEvaluator{}
}

func (e *SchemaEvaluator) Name() string {
	return "schema"
}

func (e *SchemaEvaluator) Category() engine.Category {
	return engine.CategorySchema
}

func (e *SchemaEvaluator) Evaluate(ctx context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	if req.Tool == nil {
		return &engine.EvalResult{}, nil
	}
	sch, err := e.schemaFor(req.Tool)
	if err != nil {
		return nil, err
	}

	raw := req.ArgumentsJSON
	if raw == "" {
		raw = "{}"
	}
	var args any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return triggered(req.ToolName, fmt.Sprintf("arguments are not valid JSON: %v", err)), nil
	}
	if err := sch.Validate(args); err != nil {
		return triggered(req.ToolName, fmt.Sprintf("schema validation failed: %v", err)), nil
	}
	return &engine.EvalResult{}, nil
}

func triggered(tool, msg string) *engine.EvalResult {
	return &engine.EvalResult{
		Triggered: true,
		Details:   msg,
		Violations: []engine.Violation{{
			Message:  msg,
			RulePath: []string{tool, "arguments"},
		}},
	}
}

// schemaFor compiles the tool's argument schema once per catalog entry.
func (e *SchemaEvaluator) schemaFor(t *toolinfo.ToolInfo) (*jsonschema.Schema, error) {
	if v, ok := e.compiled.Load(t.Name); ok {
		if c := v.(*compiledSchema); c.tool == t {
			return c.schema, nil
		}
	}
	sch, err := compileSchema(t.ArgumentSchema())
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", t.Name, err)
	}
	e.compiled.Store(t.Name, &compiledSchema{tool: t, schema: sch})
	return sch, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so values decoded from YAML catalogs become
	// the JSON types the compiler expects.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
