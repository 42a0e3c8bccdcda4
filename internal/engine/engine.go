// Package engine evaluates proposed tool calls with a set of evaluators and
// reduces their results to a verdict.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrEvalTimeout marks an evaluator that did not finish before the engine's
// deadline.
var ErrEvalTimeout = errors.New("evaluator timed out")

// Engine fans out evaluation requests to all registered evaluators in
// parallel and collects their results.
type Engine struct {
	evaluators []Evaluator
	timeout    time.Duration
	logger     *zap.Logger
}

// NewEngine creates an engine with the given evaluators and timeout.
func NewEngine(evaluators []Evaluator, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	return &Engine{
		evaluators: evaluators,
		timeout:    timeout,
		logger:     logger,
	}
}

// Result is one evaluator's outcome. Err is set when the evaluator failed
// or timed out; such a result is never Triggered.
type Result struct {
	Evaluator  string
	Category   Category
	Triggered  bool
	Details    string
	Violations []Violation
	Err        error
}

type evalOutput struct {
	index  int
	result *EvalResult
	err    error
}

// Evaluate runs evaluators in parallel against the request and returns one
// Result per evaluator, in registration order.
//
// Each goroutine sends its result through a buffered channel, so the main
// goroutine can safely read completed results without racing against
// in-flight writes. When the deadline fires, we stop reading and mark the
// missing evaluators as timed out.
func (e *Engine) Evaluate(ctx context.Context, req *EvalRequest) ([]*Result, time.Duration) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan evalOutput, len(e.evaluators))

	for i, ev := range e.evaluators {
		go func() {
			result, err := ev.Evaluate(ctx, req)
			ch <- evalOutput{index: i, result: result, err: err}
		}()
	}

	outputs := make([]*evalOutput, len(e.evaluators))
	remaining := len(e.evaluators)
	for remaining > 0 {
		select {
		case out := <-ch:
			outputs[out.index] = &out
			remaining--
		case <-ctx.Done():
			e.logger.Warn("evaluator timeout exceeded, returning partial results",
				zap.Duration("timeout", e.timeout),
				zap.Int("missing", remaining),
			)
			remaining = 0
		}
	}

	results := make([]*Result, len(e.evaluators))
	for i, ev := range e.evaluators {
		r := &Result{Evaluator: ev.Name(), Category: ev.Category()}
		results[i] = r
		out := outputs[i]
		switch {
		case out == nil:
			r.Err = ErrEvalTimeout
			r.Details = "evaluator error: " + ErrEvalTimeout.Error()
		case out.err != nil:
			e.logger.Warn("evaluator error",
				zap.String("evaluator", r.Evaluator),
				zap.String("tool_name", req.ToolName),
				zap.Error(out.err),
			)
			r.Err = out.err
			r.Details = "evaluator error: " + out.err.Error()
		case out.result != nil:
			r.Triggered = out.result.Triggered
			r.Details = out.result.Details
			for _, v := range out.result.Violations {
				v.Evaluator = r.Evaluator
				r.Violations = append(r.Violations, v)
			}
		}
	}

	return results, time.Since(start)
}
