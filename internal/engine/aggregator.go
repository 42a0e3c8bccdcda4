package engine

import (
	"strings"
)

// Verdicts.
const (
	VerdictAllow = "allow"
	VerdictDeny  = "deny"
)

// AggregatorConfig controls how evaluator failures affect the verdict.
type AggregatorConfig struct {
	// FailOpen allows a call when an evaluator failed or timed out.
	FailOpen bool
}

// DefaultAggregatorConfig fails closed.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{FailOpen: false}
}

// AggregateResult holds the final verdict and reason after aggregation.
type AggregateResult struct {
	Verdict    string
	Reason     string
	Violations []Violation
}

// Aggregate reduces evaluator results to a verdict.
//
// Rules (applied in order):
//  1. If ANY evaluator triggered → deny, with every violation
//  2. If ANY evaluator failed and FailOpen is unset → deny
//  3. Otherwise → allow
func Aggregate(results []*Result, cfg AggregatorConfig) AggregateResult {
	var triggered, failed []string
	var violations []Violation

	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Evaluator+": "+r.Err.Error())
			continue
		}
		if !r.Triggered {
			continue
		}
		triggered = append(triggered, r.Details)
		violations = append(violations, r.Violations...)
	}

	switch {
	case len(triggered) > 0:
		return AggregateResult{
			Verdict:    VerdictDeny,
			Reason:     strings.Join(triggered, "; "),
			Violations: violations,
		}
	case len(failed) > 0 && !cfg.FailOpen:
		return AggregateResult{
			Verdict: VerdictDeny,
			Reason:  "guard evaluation failed: " + strings.Join(failed, "; "),
		}
	case len(failed) > 0:
		return AggregateResult{
			Verdict: VerdictAllow,
			Reason:  "guard evaluation failed, allowed by fail-open: " + strings.Join(failed, "; "),
		}
	}
	return AggregateResult{Verdict: VerdictAllow}
}
