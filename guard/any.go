package guard

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Condition is one branch of a disjunctive check.
type Condition func(ctx context.Context) (bool, error)

// Bool adapts an infallible predicate.
func Bool(fn func(ctx context.Context) bool) Condition {
	return func(ctx context.Context) (bool, error) { return fn(ctx), nil }
}

// Holds adapts a rule check: the condition holds when fn returns nil.
// A violation or any other error counts as not holding.
func Holds(fn func(ctx context.Context) error) Condition {
	return func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// AnyConditionMet evaluates conditions left to right and returns true at the
// first one that holds, without evaluating the rest. A condition that errors
// or panics is logged and counts as false. Raising a violation when nothing
// holds is the caller's job.
func AnyConditionMet(ctx context.Context, conds ...Condition) bool {
	for i, cond := range conds {
		ok, err := evalCondition(ctx, cond)
		if err != nil {
			logger().Warn("condition failed, treating as false",
				zap.Int("condition", i),
				zap.Strings("rule_path", RulePath(ctx)),
				zap.Error(err),
			)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func evalCondition(ctx context.Context, cond Condition) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return cond(ctx)
}
