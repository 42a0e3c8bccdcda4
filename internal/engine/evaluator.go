package engine

import (
	"context"

	"github.com/triage-ai/palisade/services/policy_guard/guard"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// Category groups evaluators by what they check.
type Category string

const (
	// CategorySchema checks arguments against the tool's declared parameters.
	CategorySchema Category = "schema"
	// CategoryPolicy runs the synthesized guard of the tool.
	CategoryPolicy Category = "policy"
)

// Evaluator is the interface every guard-check evaluator must implement.
type Evaluator interface {
	// Name returns the evaluator's unique identifier.
	Name() string

	Category() Category

	// Evaluate runs the evaluation logic against the given request.
	// Must respect ctx deadline.
	Evaluate(ctx context.Context, req *EvalRequest) (*EvalResult, error)
}

// EvalRequest is one proposed tool call.
type EvalRequest struct {
	ToolName      string
	ArgumentsJSON string
	// Arguments is ArgumentsJSON decoded, nil when it is not a JSON object.
	Arguments map[string]any
	// Tool is nil for tools outside the loaded catalog.
	Tool *toolinfo.ToolInfo
	// Invoker lets guards query read-only tools.
	Invoker  guard.ToolInvoker
	Metadata map[string]string
}

// Violation is one reason to deny a tool call.
type Violation struct {
	Message  string
	RulePath []string
	// Evaluator is filled in by the engine.
	Evaluator string
}

// EvalResult is the outcome of a single evaluator run.
type EvalResult struct {
	Triggered  bool
	Details    string
	Violations []Violation
}
