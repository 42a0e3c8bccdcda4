// Package guardserver serves guard checks for proposed tool calls over gRPC
// and HTTP. Synthesized guard modules link their guards into a binary whose
// main calls Main.
package guardserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/guard"
	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
	"github.com/triage-ai/palisade/services/policy_guard/internal/engine"
	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/registry"
	"github.com/triage-ai/palisade/services/policy_guard/internal/storage"
	"github.com/triage-ai/palisade/services/policy_guard/internal/toolinfo"
)

// ErrInvalidRequest is returned for requests that cannot be evaluated.
var ErrInvalidRequest = errors.New("invalid request")

// CheckRequest is a proposed tool call.
type CheckRequest struct {
	ToolName  string            `json:"tool_name"`
	Arguments map[string]any    `json:"arguments"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CheckResponse is the verdict on a tool call. In shadow mode Verdict is
// always allow and Violations still lists what would have denied it.
type CheckResponse struct {
	RequestID  string          `json:"request_id"`
	Verdict    string          `json:"verdict"`
	Shadow     bool            `json:"shadow,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Violations []ViolationInfo `json:"violations"`
	LatencyMs  float64         `json:"latency_ms"`
}

type ViolationInfo struct {
	Message   string   `json:"message"`
	RulePath  []string `json:"rule_path"`
	Evaluator string   `json:"evaluator"`
}

// Service evaluates guard checks. It is shared by the gRPC and HTTP
// transports, which authenticate before calling Check.
type Service struct {
	engine  *engine.Engine
	auth    auth.Authenticator
	specs   registry.SpecRegistry
	writer  storage.EventWriter
	invoker guard.ToolInvoker
	guards  *guard.Registry
	logger  *zap.Logger
}

// Options configures a Service. Nil Specs serves the specs of the loaded
// manifest; nil Invoker fails tool calls made by guards; nil Guards uses
// the default registry.
type Options struct {
	Engine  *engine.Engine
	Auth    auth.Authenticator
	Specs   registry.SpecRegistry
	Writer  storage.EventWriter
	Invoker guard.ToolInvoker
	Guards  *guard.Registry
	Logger  *zap.Logger
}

func NewService(opts Options) *Service {
	s := &Service{
		engine:  opts.Engine,
		auth:    opts.Auth,
		specs:   opts.Specs,
		writer:  opts.Writer,
		invoker: opts.Invoker,
		guards:  opts.Guards,
		logger:  opts.Logger,
	}
	if s.guards == nil {
		s.guards = guard.Default()
	}
	if s.invoker == nil {
		s.invoker = guard.NoInvoker
	}
	if s.specs == nil {
		s.specs = registry.NewManifestRegistry(s.Manifest)
	}
	if s.writer == nil {
		s.writer = storage.NewLogWriter(s.logger)
	}
	return s
}

// Manifest returns the active guard manifest, or nil.
func (s *Service) Manifest() *model.ToolGuardsCodeGenerationResult {
	return s.guards.Manifest()
}

// Reload verifies the manifest in dir against the linked guards and makes
// it active. On error the previous manifest stays active.
func (s *Service) Reload(dir string) error {
	m, err := s.guards.Load(dir)
	if err != nil {
		return err
	}
	s.logger.Info("guard manifest loaded",
		zap.String("dir", dir),
		zap.Strings("tools", m.ToolNames()),
		zap.Int("catalog", len(m.Catalog)),
	)
	return nil
}

func (s *Service) tool(name string) *toolinfo.ToolInfo {
	m := s.Manifest()
	if m == nil {
		return nil
	}
	t, ok := m.Catalog.Get(name)
	if !ok {
		return nil
	}
	return t
}

// Check evaluates one tool call for an authenticated project.
func (s *Service) Check(ctx context.Context, project *auth.ProjectContext, req *CheckRequest, source string) (*CheckResponse, error) {
	start := time.Now()
	if strings.TrimSpace(req.ToolName) == "" {
		return nil, errors.Join(ErrInvalidRequest, errors.New("tool_name is required"))
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Join(ErrInvalidRequest, err)
	}

	evalReq := &engine.EvalRequest{
		ToolName:      req.ToolName,
		ArgumentsJSON: string(argsJSON),
		Arguments:     args,
		Tool:          s.tool(req.ToolName),
		Invoker:       s.invoker,
		Metadata:      req.Metadata,
	}

	results, _ := s.engine.Evaluate(ctx, evalReq)
	agg := engine.Aggregate(results, engine.AggregatorConfig{FailOpen: project.FailOpen})

	resp := &CheckResponse{
		RequestID:  uuid.New().String(),
		Verdict:    agg.Verdict,
		Reason:     agg.Reason,
		Violations: make([]ViolationInfo, 0, len(agg.Violations)),
	}
	for _, v := range agg.Violations {
		resp.Violations = append(resp.Violations, ViolationInfo{
			Message:   v.Message,
			RulePath:  v.RulePath,
			Evaluator: v.Evaluator,
		})
	}
	enforced := true
	if project.Shadow() && agg.Verdict == engine.VerdictDeny {
		resp.Verdict = engine.VerdictAllow
		resp.Shadow = true
		enforced = false
	}
	resp.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)

	s.writeEvent(req, project.ProjectID, string(argsJSON), resp, agg, enforced, results, source)
	return resp, nil
}

// Spec returns the published spec of a tool for a project, nil when none.
func (s *Service) Spec(ctx context.Context, project *auth.ProjectContext, tool string) (*model.PolicyGuardSpec, error) {
	return s.specs.GetSpec(ctx, project.ProjectID, tool)
}

func (s *Service) writeEvent(
	req *CheckRequest,
	projectID, argsJSON string,
	resp *CheckResponse,
	agg engine.AggregateResult,
	enforced bool,
	results []*engine.Result,
	source string,
) {
	event := &storage.GuardCheckEvent{
		RequestID:     resp.RequestID,
		ProjectID:     projectID,
		Timestamp:     time.Now(),
		ToolName:      req.ToolName,
		ArgumentsJSON: argsJSON,
		Verdict:       agg.Verdict,
		Enforced:      enforced,
		Reason:        agg.Reason,
		Evaluators:    make([]string, len(results)),
		EvalTriggered: make([]bool, len(results)),
		EvalErrors:    make([]string, len(results)),
		Metadata:      req.Metadata,
		LatencyMs:     float32(resp.LatencyMs),
		Source:        source,
	}
	for i, r := range results {
		event.Evaluators[i] = r.Evaluator
		event.EvalTriggered[i] = r.Triggered
		if r.Err != nil {
			event.EvalErrors[i] = r.Err.Error()
		}
	}
	for _, v := range agg.Violations {
		event.ViolationMessages = append(event.ViolationMessages, v.Message)
		event.ViolationRules = append(event.ViolationRules, strings.Join(v.RulePath, "/"))
		event.ViolationSources = append(event.ViolationSources, v.Evaluator)
	}

	s.writer.Write(event)
}
