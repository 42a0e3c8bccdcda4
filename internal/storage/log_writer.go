package storage

import "go.uber.org/zap"

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *GuardCheckEvent) {
	w.logger.Info("guard_check_event",
		zap.String("request_id", event.RequestID),
		zap.String("project_id", event.ProjectID),
		zap.String("tool_name", event.ToolName),
		zap.String("verdict", event.Verdict),
		zap.Bool("enforced", event.Enforced),
		zap.String("reason", event.Reason),
		zap.Strings("violation_rules", event.ViolationRules),
		zap.Strings("evaluators", event.Evaluators),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("source", event.Source),
	)
}

func (w *LogWriter) Close() {}
