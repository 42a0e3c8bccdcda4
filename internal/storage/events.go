// Package storage persists guard check events.
package storage

import "time"

// EventWriter is the interface for writing guard check events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *GuardCheckEvent)
	Close()
}

// GuardCheckEvent is one evaluated tool call.
type GuardCheckEvent struct {
	RequestID     string
	ProjectID     string
	Timestamp     time.Time
	ToolName      string
	ArgumentsJSON string
	Verdict       string // "allow" or "deny"
	// Enforced is false when a deny verdict was only recorded (shadow mode).
	Enforced bool
	Reason   string
	// Per violation, in evaluation order.
	ViolationMessages []string
	ViolationRules    []string // rule path joined with "/"
	ViolationSources  []string // evaluator name
	// Per evaluator.
	Evaluators    []string
	EvalTriggered []bool
	EvalErrors    []string
	Metadata      map[string]string
	LatencyMs     float32
	Source        string // "grpc" or "http"
}
