// Package evaluators holds the guard-check evaluators of the engine.
package evaluators

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/policy_guard/guard"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
)

// PolicyEvaluator runs the synthesized guard registered for the tool.
// A violation triggers; a failing guard is an evaluator error.
type PolicyEvaluator struct {
	guards *guard.Registry
}

// NewPolicyEvaluator evaluates against guards, or the default registry when nil.
func NewPolicyEvaluator(guards *guard.Registry) *PolicyEvaluator {
	if guards == nil {
		guards = guard.Default()
	}
	return &PolicyEvaluator{guards: guards}
}

func (e *PolicyEvaluator) Name() string {
	return "policy"
}

func (e *PolicyEvaluator) Category() engine.Category {
	return engine.CategoryPolicy
}

func (e *PolicyEvaluator) Evaluate(ctx context.Context, req *engine.EvalRequest) (*engine.EvalResult, error) {
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	err := e.guards.GuardToolCall(ctx, req.ToolName, args, req.Invoker)
	if err == nil {
		return &engine.EvalResult{}, nil
	}
	if v, ok := guard.AsViolation(err); ok {
		return &engine.EvalResult{
			Triggered: true,
			Details:   v.Error(),
			Violations: []engine.Violation{{
				Message:  v.Message,
				RulePath: v.RulePath,
			}},
		}, nil
	}
	return nil, fmt.Errorf("policy guard %s: %w", req.ToolName, err)
}
