package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// stubEvaluator is a test helper that returns a fixed result.
type stubEvaluator struct {
	name     string
	category Category
	result   *EvalResult
	err      error
	delay    time.Duration
}

func (s *stubEvaluator) Name() string       { return s.name }
func (s *stubEvaluator) Category() Category { return s.category }
func (s *stubEvaluator) Evaluate(ctx context.Context, _ *EvalRequest) (*EvalResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestEngine_AllEvaluatorsRun(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	evals := []Evaluator{
		&stubEvaluator{
			name:     "schema",
			category: CategorySchema,
			result:   &EvalResult{Triggered: false},
		},
		&stubEvaluator{
			name:     "policy",
			category: CategoryPolicy,
			result: &EvalResult{
				Triggered:  true,
				Details:    "too many passengers",
				Violations: []Violation{{Message: "too many passengers", RulePath: []string{"book_reservation", "passenger_limit"}}},
			},
		},
	}

	eng := NewEngine(evals, 100*time.Millisecond, logger)
	results, dur := eng.Evaluate(context.Background(), &EvalRequest{ToolName: "book_reservation"})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Evaluator != "schema" || results[1].Evaluator != "policy" {
		t.Fatalf("expected results in registration order, got %s, %s", results[0].Evaluator, results[1].Evaluator)
	}
	if !results[1].Triggered {
		t.Fatal("expected policy evaluator to trigger")
	}
	if got := results[1].Violations[0].Evaluator; got != "policy" {
		t.Fatalf("expected violation attributed to policy, got %q", got)
	}
	if dur > 100*time.Millisecond {
		t.Fatalf("engine took too long: %v", dur)
	}
}

func TestEngine_TimeoutMarksSlowEvaluator(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	evals := []Evaluator{
		&stubEvaluator{
			name:     "fast",
			category: CategorySchema,
			result:   &EvalResult{Triggered: false},
		},
		&stubEvaluator{
			name:     "slow",
			category: CategoryPolicy,
			result:   &EvalResult{Triggered: true, Details: "should be skipped"},
			delay:    500 * time.Millisecond,
		},
	}

	eng := NewEngine(evals, 20*time.Millisecond, logger)
	results, dur := eng.Evaluate(context.Background(), &EvalRequest{ToolName: "test"})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].Triggered {
		t.Fatal("expected slow evaluator not to trigger")
	}
	if results[1].Err == nil {
		t.Fatal("expected slow evaluator to report an error")
	}
	if dur > 400*time.Millisecond {
		t.Fatalf("engine waited for the slow evaluator: %v", dur)
	}
}

func TestEngine_EvaluatorErrorIsNotTriggered(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	boom := errors.New("guard panicked")
	eng := NewEngine([]Evaluator{
		&stubEvaluator{name: "policy", category: CategoryPolicy, err: boom},
	}, 100*time.Millisecond, logger)

	results, _ := eng.Evaluate(context.Background(), &EvalRequest{ToolName: "test"})
	if results[0].Triggered {
		t.Fatal("expected errored evaluator not to trigger")
	}
	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("expected evaluator error, got %v", results[0].Err)
	}
}

func TestEngine_EmptyEvaluators(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	eng := NewEngine(nil, 100*time.Millisecond, logger)
	results, _ := eng.Evaluate(context.Background(), &EvalRequest{ToolName: "test"})

	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}
}

func BenchmarkEngine_TwoEvaluators(b *testing.B) {
	logger := zap.NewNop()
	evals := []Evaluator{
		&stubEvaluator{name: "schema", category: CategorySchema, result: &EvalResult{}},
		&stubEvaluator{name: "policy", category: CategoryPolicy, result: &EvalResult{}},
	}
	eng := NewEngine(evals, 25*time.Millisecond, logger)
	req := &EvalRequest{ToolName: "bench_tool"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		eng.Evaluate(context.Background(), req)
	}
}
